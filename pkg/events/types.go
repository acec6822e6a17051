// Package events provides real-time event delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Every publish is an INSERT into the events table plus a pg_notify on the
// same transaction, so a received notification always implies a durable row.
// Three channel families exist:
//
//   - tenant:{tenant_id} — the broadcast feed for a tenant. WebSocket clients
//     subscribe here; agent status changes, message appends, approval
//     requests, crawl progress and entity mutations all land on it.
//   - approval:{approval_id} / question:{question_id} — one-shot response
//     channels. A worker blocked on a human decision subscribes BEFORE the
//     request is published, then waits; the HTTP responder publishes the
//     decision onto the channel.
//   - agent:{agent_id}:cancel — cross-process cancellation signal.
//
// NOTIFY payloads are capped near PostgreSQL's 8000-byte limit. Oversized
// payloads are replaced by a truncation marker carrying only the envelope
// routing fields; subscribers rehydrate the full payload from the events
// table using db_event_id.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event names carried in the envelope. These are the values the WebSocket
// protocol and the wait handles dispatch on.
const (
	EventAgentStatus      = "agent_status"
	EventAgentMessage     = "agent_message"
	EventStatusHint       = "status_hint"
	EventApprovalRequest  = "approval_request"
	EventApprovalResponse = "approval_response"
	EventQuestionResponse = "question_response"
	EventCrawlStarted     = "crawl_started"
	EventCrawlProgress    = "crawl_progress"
	EventCrawlComplete    = "crawl_complete"
	EventEntityCreated    = "entity_created"
	EventEntityUpdated    = "entity_updated"

	// EventAgentCancel travels only on the agent cancel channel, never on
	// the tenant broadcast feed.
	EventAgentCancel = "agent_cancel"
)

// TenantChannel returns the broadcast channel for a tenant.
// Format: "tenant:{tenant_id}"
func TenantChannel(tenantID string) string {
	return "tenant:" + tenantID
}

// ApprovalChannel returns the one-shot response channel for an approval.
// Format: "approval:{approval_id}"
func ApprovalChannel(approvalID string) string {
	return "approval:" + approvalID
}

// QuestionChannel returns the one-shot response channel for a question.
// Format: "question:{question_id}"
func QuestionChannel(questionID string) string {
	return "question:" + questionID
}

// AgentCancelChannel returns the cancellation signal channel for an agent.
// Format: "agent:{agent_id}:cancel"
func AgentCancelChannel(agentID string) string {
	return "agent:" + agentID + ":cancel"
}

// Envelope is the wire format of every published event.
// Data holds the event-specific payload; Truncated marks a NOTIFY copy whose
// Data was dropped to fit the pg_notify size limit.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	TS        time.Time       `json:"ts"`
	DBEventID int64           `json:"db_event_id,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "tenant:acme")
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}

// CatchupEvent holds one row returned by the catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// EventStore queries the durable events table. Implemented by
// services.EventService.
type EventStore interface {
	// GetCatchupEvents returns events on channel with id > sinceID,
	// oldest first, at most limit rows.
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
	// GetEventPayload returns the stored payload of a single event row.
	GetEventPayload(ctx context.Context, id int64) ([]byte, error)
}

// rehydrate swaps a truncated NOTIFY payload for the full stored row.
// On any failure the truncated payload is returned unchanged — the consumer
// still learns the event name and db_event_id.
func rehydrate(ctx context.Context, store EventStore, payload []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Truncated || env.DBEventID == 0 {
		return payload
	}
	if store == nil {
		return payload
	}
	full, err := store.GetEventPayload(ctx, env.DBEventID)
	if err != nil {
		slog.Warn("Failed to rehydrate truncated event",
			"db_event_id", env.DBEventID, "event", env.Event, "error", err)
		return payload
	}
	// The stored copy has no db_event_id (it is injected at NOTIFY time),
	// so stitch it back in for client-side position tracking.
	var m map[string]any
	if err := json.Unmarshal(full, &m); err != nil {
		return payload
	}
	m["db_event_id"] = env.DBEventID
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}
