package models

import "time"

// Event is one durable row of the broadcast log. Every pub/sub publish is
// persisted here before notification so subscribers can catch up after a
// reconnect and rehydrate truncated payloads.
type Event struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Channel   string    `json:"channel"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
