// Package cleanup enforces data retention on the durable event log.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// Service periodically deletes event rows past their TTL. Catch-up and
// truncation rehydration only ever read recent history, so the events table
// would otherwise grow without bound. Deletion is idempotent and safe to run
// from multiple pods.
type Service struct {
	config *config.RetentionConfig
	events *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, events *services.EventService) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		config: cfg,
		events: events,
	}
}

// Start launches the background cleanup loop. The first pass runs
// immediately so a long-stopped pod catches up on startup.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.cleanupOldEvents(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldEvents(ctx)
		}
	}
}

func (s *Service) cleanupOldEvents(ctx context.Context) {
	count, err := s.events.CleanupOldEvents(ctx, s.config.EventTTL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired events", "count", count)
	}
}
