package models

import "time"

// MessageRole identifies who a durable message is attributed to.
type MessageRole string

const (
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
	RoleUser   MessageRole = "user"
)

// MessageType classifies a durable message for rendering.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageToolCall    MessageType = "tool_call"
	MessageToolResult  MessageType = "tool_result"
	MessageMultiBlock  MessageType = "multi_block"
	MessageMultiResult MessageType = "multi_result"
	MessageResult      MessageType = "result"
)

// Extra map keys used by the runner when formatting messages.
const (
	ExtraIcon      = "icon"
	ExtraToolName  = "tool_name"
	ExtraIsError   = "is_error"
	ExtraInput     = "input"
	ExtraPreview   = "preview"
	ExtraBlocks    = "blocks"
	ExtraResults   = "results"
	ExtraUsage     = "usage"
	ExtraCostUSD   = "cost_usd"
	ExtraSessionID = "session_id"
)

// AgentMessage is one row of an agent's durable message log, identified by
// (agent_id, message_num). message_num is a monotonic sequence starting at 1.
// Content is stored in full; Extra carries auxiliary rendering fields (icon,
// tool name, is_error, full tool input, full result body).
type AgentMessage struct {
	AgentID         string         `json:"agent_id"`
	TenantID        string         `json:"tenant_id"`
	MessageNum      int            `json:"message_num"`
	Role            MessageRole    `json:"role"`
	Type            MessageType    `json:"type"`
	Content         string         `json:"content"`
	ToolUseID       string         `json:"tool_use_id,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
