// Package agent drives autonomous agent executions: it spawns and resumes
// conversations against the external agent runtime, pumps the runtime's
// message stream into the durable log and the event bus, gates tool calls
// through the approval service, and checkpoints results.
package agent

import (
	"context"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// ToolGate is consulted before the runtime executes a tool call. Satisfied
// by *approval.Service; a nil gate allows everything.
type ToolGate interface {
	Decide(ctx context.Context, call models.ToolCall) models.Decision
}

// RuntimeClient is the Go-side interface to the external agent runtime.
// Stream opens (or resumes) a conversation and returns the live message
// stream; messages arrive in runtime order until a terminal ResultMessage.
type RuntimeClient interface {
	Stream(ctx context.Context, opts StreamOptions) (Stream, error)

	// Close releases the underlying connection.
	Close() error
}

// StreamOptions carries everything the runtime needs to start or resume a
// conversation.
type StreamOptions struct {
	TenantID     string
	AgentID      string
	Prompt       string
	SessionID    string // resume the runtime session when set
	SystemPrompt string
	Gate         ToolGate // nil allows all tool calls
}

// Stream is one live conversation. Next blocks until the runtime emits the
// next message; it returns io.EOF after the terminal ResultMessage.
type Stream interface {
	Next(ctx context.Context) (Message, error)

	// Inject queues a mid-stream user message into the conversation.
	Inject(ctx context.Context, prompt string) error

	// Close tears the stream down; safe after EOF.
	Close() error
}

// Message is the interface for all runtime message types.
type Message interface {
	messageType() MessageType
}

// MessageType identifies the kind of runtime message.
type MessageType string

const (
	MessageAssistant   MessageType = "assistant"
	MessageToolResults MessageType = "tool_results"
	MessageResult      MessageType = "result"
)

// BlockType identifies the kind of assistant content block.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// Block is one content block of an assistant message.
type Block struct {
	Type     BlockType
	Text     string         // BlockText
	ToolID   string         // BlockToolUse
	ToolName string         // BlockToolUse
	Input    map[string]any // BlockToolUse
}

// AssistantMessage is one assistant turn: text, tool-use, or a mix.
// SessionID carries the runtime's current session identity; it can change
// mid-conversation when the runtime forks.
type AssistantMessage struct {
	SessionID string
	Blocks    []Block
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	ToolID  string
	Content string
	IsError bool
}

// ToolResultsMessage reports tool execution results back into the stream.
type ToolResultsMessage struct {
	Results []ToolResult
}

// Usage reports token consumption for the whole conversation turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ResultMessage terminates a stream. SessionID is the final session identity
// to persist for resume; IsError marks runs the runtime itself considers
// failed.
type ResultMessage struct {
	SessionID string
	Usage     Usage
	CostUSD   float64
	IsError   bool
	Error     string
}

func (m *AssistantMessage) messageType() MessageType   { return MessageAssistant }
func (m *ToolResultsMessage) messageType() MessageType { return MessageToolResults }
func (m *ResultMessage) messageType() MessageType      { return MessageResult }
