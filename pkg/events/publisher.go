package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// notifyLimit is the size above which a NOTIFY payload is replaced by a
// truncation marker. PostgreSQL rejects pg_notify payloads at 8000 bytes;
// the margin covers the injected db_event_id.
const notifyLimit = 7900

// Publisher persists events to the events table and broadcasts them via
// pg_notify in a single transaction. A received notification therefore
// always has a durable backing row that subscribers can catch up from.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the shared connection pool.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish broadcasts an event on the tenant channel. Delivery is best-effort
// from the caller's view: failures are logged, never returned, so domain
// writes are not failed by a broken event path.
func (p *Publisher) Publish(ctx context.Context, tenantID, event string, data any) {
	if err := p.publish(ctx, tenantID, TenantChannel(tenantID), event, data); err != nil {
		slog.Warn("Event publish failed",
			"tenant_id", tenantID, "event", event, "error", err)
	}
}

// PublishTo broadcasts an event on an explicit channel — the approval,
// question and cancel response channels. The error is returned because a
// responder that fails to publish must know: the waiting worker would
// otherwise block until its deadline.
func (p *Publisher) PublishTo(ctx context.Context, tenantID, channel, event string, data any) error {
	return p.publish(ctx, tenantID, channel, event, data)
}

// publish wraps data in an envelope, persists it and notifies the channel.
// pg_notify is transactional — the notification is held until COMMIT, so
// subscribers never observe an event without its durable row.
func (p *Publisher) publish(ctx context.Context, tenantID, channel, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	env := Envelope{Event: event, Data: dataJSON, TS: time.Now().UTC()}
	payloadJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (tenant_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		tenantID, channel, payloadJSON, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := notifyPayloadFor(env, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// notifyPayloadFor builds the NOTIFY copy of an envelope: db_event_id is
// injected for catchup tracking, and payloads past notifyLimit collapse to a
// truncation marker that subscribers rehydrate from the events table.
func notifyPayloadFor(env Envelope, eventID int64) (string, error) {
	env.DBEventID = eventID

	full, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal NOTIFY payload: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	marker := Envelope{
		Event:     env.Event,
		TS:        env.TS,
		DBEventID: eventID,
		Truncated: true,
	}
	trunc, err := json.Marshal(marker)
	if err != nil {
		return "", fmt.Errorf("marshal truncation marker: %w", err)
	}
	return string(trunc), nil
}
