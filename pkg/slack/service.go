// Package slack delivers out-of-band approval notifications to a Slack
// channel. Delivery is fail-open: the approval flow never blocks or fails
// because Slack is down.
package slack

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/events"
)

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a Slack notification service from configuration.
// The bot token is read from the environment variable named by TokenEnv.
// Returns nil when disabled or when token/channel is missing, which callers
// treat as "notifications off".
func NewService(cfg *config.SlackConfig) *Service {
	if cfg == nil || !cfg.Enabled || cfg.Channel == "" {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		slog.Warn("Slack notifications enabled but token env var is empty, disabling",
			"token_env", cfg.TokenEnv)
		return nil
	}
	return &Service{
		client: NewClient(token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NotifyApprovalRequested sends a heads-up for a pending approval.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyApprovalRequested(ctx context.Context, input events.ApprovalRequestPayload) {
	if s == nil {
		return
	}

	blocks := BuildApprovalMessage(input)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack approval notification",
			"approval_id", input.ApprovalID,
			"agent_id", input.AgentID,
			"error", err)
	}
}
