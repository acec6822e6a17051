package events

import (
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// AgentStatusPayload is the data for agent_status events.
// Published on every lifecycle transition of an agent execution.
type AgentStatusPayload struct {
	AgentID string             `json:"agent_id"`
	Status  models.AgentStatus `json:"status"` // initializing, working, waiting_approval, waiting_input, completed, failed
	Error   string             `json:"error,omitempty"`
}

// AgentMessagePayload is the data for agent_message events.
// Mirrors the durable row appended to agent_messages; Content may be a
// preview when the full body is large — the durable stream keeps the full
// text either way.
type AgentMessagePayload struct {
	AgentID    string             `json:"agent_id"`
	MessageNum int                `json:"message_num"`
	Role       models.MessageRole `json:"role"` // agent, system, user
	Type       models.MessageType `json:"type"` // text, tool_call, tool_result, ...
	Content    string             `json:"content"`
	Extra      map[string]any     `json:"extra,omitempty"`
}

// StatusHintPayload is the data for status_hint events — a short playful
// line describing what the agent is currently doing.
type StatusHintPayload struct {
	AgentID string `json:"agent_id"`
	Hint    string `json:"hint"`
}

// ApprovalRequestPayload is the data for approval_request events.
// Preview has already been through the masking service.
type ApprovalRequestPayload struct {
	ApprovalID string `json:"approval_id"`
	AgentID    string `json:"agent_id"`
	Kind       string `json:"kind"` // destructive_command, file_write, external_api, user_question
	ToolName   string `json:"tool_name"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	Preview    string `json:"preview,omitempty"`
	Sensitive  bool   `json:"sensitive,omitempty"`
	ExpiresAt  string `json:"expires_at"` // RFC3339
}

// CrawlStartedPayload is the data for crawl_started events.
type CrawlStartedPayload struct {
	SourceID string `json:"source_id"`
	JobID    string `json:"job_id"`
	Sync     bool   `json:"sync,omitempty"` // true for sync_source runs
}

// CrawlProgressPayload is the data for crawl_progress events.
// Published per fetched page.
type CrawlProgressPayload struct {
	SourceID  string `json:"source_id"`
	URL       string `json:"url"`
	Fetched   int    `json:"fetched"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Skipped   int    `json:"skipped,omitempty"` // unchanged documents during sync
}

// CrawlCompletePayload is the data for crawl_complete events.
type CrawlCompletePayload struct {
	SourceID  string `json:"source_id"`
	Status    string `json:"status"` // completed, partial, failed
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Error     string `json:"error,omitempty"`
}

// EntityChangePayload is the data for entity_created and entity_updated
// events. Deliberately thin — consumers fetch the entity when they care.
type EntityChangePayload struct {
	EntityID string            `json:"entity_id"`
	Kind     models.EntityKind `json:"kind"`
	Name     string            `json:"name,omitempty"`
}

// AgentCancelPayload is the data carried on agent:{id}:cancel channels.
type AgentCancelPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}
