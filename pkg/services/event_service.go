package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// EventService reads the durable events table: WebSocket catch-up after a
// reconnect, rehydration of NOTIFY-truncated payloads, and retention cleanup.
// Writes happen in events.Publisher, in the same transaction as pg_notify.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// GetCatchupEvents returns events on channel with id > sinceID, oldest
// first, at most limit rows. Rows whose payload fails to parse are skipped;
// a single corrupt row must not stall a client's whole catch-up.
func (s *EventService) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]events.CatchupEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events
		  WHERE channel = $1 AND id > $2
		  ORDER BY id ASC
		  LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query catchup events: %w", err)
	}
	defer rows.Close()

	out := make([]events.CatchupEvent, 0, limit)
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan catchup event: %w", err)
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			slog.Warn("Skipping malformed event payload during catchup",
				"event_id", id, "channel", channel, "error", err)
			continue
		}
		out = append(out, events.CatchupEvent{ID: id, Payload: parsed})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query catchup events: %w", err)
	}
	return out, nil
}

// GetEventPayload returns the stored payload of one event row.
func (s *EventService) GetEventPayload(ctx context.Context, id int64) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event payload: %w", err)
	}
	return []byte(payload), nil
}

// ListChannelEvents returns the full rows for a channel, newest first.
// Used by operational tooling and tests; live clients go through catch-up.
func (s *EventService) ListChannelEvents(ctx context.Context, channel string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, channel, payload, created_at FROM events
		  WHERE channel = $1
		  ORDER BY id DESC
		  LIMIT $2`,
		channel, limit)
	if err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Channel, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel events: %w", err)
	}
	return out, nil
}

// CleanupOldEvents deletes event rows older than the retention window and
// returns how many were removed. Catch-up only ever reads recent history, so
// the table would otherwise grow without bound.
func (s *EventService) CleanupOldEvents(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, models.NewValidationError("retention", "must be positive")
	}
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	return n, nil
}
