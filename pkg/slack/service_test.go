package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/events"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	// Should not panic
	s.NotifyApprovalRequested(context.Background(), events.ApprovalRequestPayload{
		ApprovalID: "appr-1",
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when disabled", func(t *testing.T) {
		svc := NewService(&config.SlackConfig{Enabled: false, TokenEnv: "SIBYL_TEST_SLACK_TOKEN", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		t.Setenv("SIBYL_TEST_SLACK_TOKEN", "xoxb-test")
		svc := NewService(&config.SlackConfig{Enabled: true, TokenEnv: "SIBYL_TEST_SLACK_TOKEN", Channel: ""})
		assert.Nil(t, svc)
	})

	t.Run("returns nil when token env var unset", func(t *testing.T) {
		t.Setenv("SIBYL_TEST_SLACK_TOKEN", "")
		svc := NewService(&config.SlackConfig{Enabled: true, TokenEnv: "SIBYL_TEST_SLACK_TOKEN", Channel: "C123"})
		assert.Nil(t, svc)
	})

	t.Run("returns service when configured", func(t *testing.T) {
		t.Setenv("SIBYL_TEST_SLACK_TOKEN", "xoxb-test")
		svc := NewService(&config.SlackConfig{Enabled: true, TokenEnv: "SIBYL_TEST_SLACK_TOKEN", Channel: "C123"})
		assert.NotNil(t, svc)
	})
}

func TestService_NotifyApprovalRequested_PostsMessage(t *testing.T) {
	posted := make(chan struct{}, 1)
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat.postMessage", r.URL.Path)
		posted <- struct{}{}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer mock.Close()

	client := NewClientWithAPIURL("xoxb-test", "C123", mock.URL+"/")
	svc := NewServiceWithClient(client)

	svc.NotifyApprovalRequested(context.Background(), events.ApprovalRequestPayload{
		ApprovalID: "appr-1",
		AgentID:    "agent-1",
		Kind:       "destructive_command",
		ToolName:   "bash",
		Title:      "rm -rf /tmp/scratch",
		ExpiresAt:  "2026-08-26T12:00:00Z",
	})

	select {
	case <-posted:
	default:
		t.Fatal("expected chat.postMessage to be called")
	}
}

func TestService_NotifyApprovalRequested_FailOpen(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer mock.Close()

	client := NewClientWithAPIURL("xoxb-test", "C999", mock.URL+"/")
	svc := NewServiceWithClient(client)

	// Should not panic or return; delivery errors are swallowed.
	svc.NotifyApprovalRequested(context.Background(), events.ApprovalRequestPayload{
		ApprovalID: "appr-1",
	})
}
