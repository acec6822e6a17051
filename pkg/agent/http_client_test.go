package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// runtimeFixture is a scripted runtime service: one NDJSON stream plus
// recorders for the control-plane posts.
type runtimeFixture struct {
	lines []string

	mu        sync.Mutex
	decisions []decisionRequest
	injects   []injectRequest
	auth      string
}

func (f *runtimeFixture) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/stream", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range f.lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	})
	mux.HandleFunc("POST /v1/sessions/{sid}/decisions", func(w http.ResponseWriter, r *http.Request) {
		var d decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.decisions = append(f.decisions, d)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v1/sessions/{sid}/messages", func(w http.ResponseWriter, r *http.Request) {
		var in injectRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.injects = append(f.injects, in)
		f.mu.Unlock()
	})
	return mux
}

type allowAllGate struct {
	mu    sync.Mutex
	calls []models.ToolCall
}

func (g *allowAllGate) Decide(_ context.Context, call models.ToolCall) models.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	return models.Decision{Behavior: models.DecisionAllow}
}

func TestHTTPStreamDeliversTypedMessages(t *testing.T) {
	fixture := &runtimeFixture{lines: []string{
		`{"type":"assistant","session_id":"sess_1","blocks":[{"type":"text","text":"Looking into it."}]}`,
		`{"type":"assistant","session_id":"sess_1","blocks":[{"type":"tool_use","id":"toolu_1","name":"read","input":{"file_path":"go.mod"}}]}`,
		`{"type":"tool_results","results":[{"tool_id":"toolu_1","content":"module example.com/app"}]}`,
		`{"type":"result","session_id":"sess_1","usage":{"input_tokens":10,"output_tokens":20},"cost_usd":0.01}`,
	}}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "tok_test")
	stream, err := client.Stream(context.Background(), StreamOptions{
		TenantID: "acme", AgentID: "agent-1", Prompt: "check the module",
	})
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()

	first, err := stream.Next(ctx)
	require.NoError(t, err)
	text, ok := first.(*AssistantMessage)
	require.True(t, ok)
	require.Len(t, text.Blocks, 1)
	assert.Equal(t, "Looking into it.", text.Blocks[0].Text)
	assert.Equal(t, "sess_1", text.SessionID)

	second, err := stream.Next(ctx)
	require.NoError(t, err)
	tool := second.(*AssistantMessage)
	require.Len(t, tool.Blocks, 1)
	assert.Equal(t, BlockToolUse, tool.Blocks[0].Type)
	assert.Equal(t, "read", tool.Blocks[0].ToolName)
	assert.Equal(t, "go.mod", tool.Blocks[0].Input["file_path"])

	third, err := stream.Next(ctx)
	require.NoError(t, err)
	results := third.(*ToolResultsMessage)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "module example.com/app", results.Results[0].Content)

	fourth, err := stream.Next(ctx)
	require.NoError(t, err)
	result := fourth.(*ResultMessage)
	assert.Equal(t, "sess_1", result.SessionID)
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.Equal(t, 0.01, result.CostUSD)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	assert.Equal(t, "Bearer tok_test", fixture.auth)
}

func TestHTTPStreamAnswersGateChecks(t *testing.T) {
	fixture := &runtimeFixture{lines: []string{
		`{"type":"assistant","session_id":"sess_2","blocks":[{"type":"tool_use","id":"toolu_9","name":"shell","input":{"command":"rm -rf /tmp/x"}}]}`,
		`{"type":"gate_check","session_id":"sess_2","tool":{"id":"toolu_9","name":"shell","input":{"command":"rm -rf /tmp/x"}}}`,
		`{"type":"result","session_id":"sess_2"}`,
	}}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	gate := &allowAllGate{}
	client := NewHTTPRuntimeClient(srv.URL, "")
	stream, err := client.Stream(context.Background(), StreamOptions{
		TenantID: "acme", AgentID: "agent-2", Prompt: "clean up", Gate: gate,
	})
	require.NoError(t, err)
	defer stream.Close()

	// Drain: the gate check is handled between the assistant message and the
	// result; it never surfaces as a stream message.
	var kinds []MessageType
	for {
		msg, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, msg.messageType())
	}
	assert.Equal(t, []MessageType{MessageAssistant, MessageResult}, kinds)

	gate.mu.Lock()
	require.Len(t, gate.calls, 1)
	call := gate.calls[0]
	gate.mu.Unlock()
	assert.Equal(t, "acme", call.TenantID)
	assert.Equal(t, "agent-2", call.AgentID)
	assert.Equal(t, "shell", call.Name)
	assert.Equal(t, "toolu_9", call.ID)

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	require.Len(t, fixture.decisions, 1)
	assert.Equal(t, "toolu_9", fixture.decisions[0].ToolID)
	assert.Equal(t, string(models.DecisionAllow), fixture.decisions[0].Behavior)
}

func TestHTTPStreamInject(t *testing.T) {
	fixture := &runtimeFixture{lines: []string{
		`{"type":"assistant","session_id":"sess_3","blocks":[{"type":"text","text":"hi"}]}`,
		`{"type":"result","session_id":"sess_3"}`,
	}}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "")
	stream, err := client.Stream(context.Background(), StreamOptions{Prompt: "hello"})
	require.NoError(t, err)
	defer stream.Close()

	// Inject before the session is known fails cleanly.
	require.Error(t, stream.Inject(context.Background(), "too early"))

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Inject(context.Background(), "also check the tests"))
	fixture.mu.Lock()
	require.Len(t, fixture.injects, 1)
	assert.Equal(t, "also check the tests", fixture.injects[0].Prompt)
	fixture.mu.Unlock()
}

func TestHTTPStreamServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runtime overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "")
	_, err := client.Stream(context.Background(), StreamOptions{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestHTTPStreamBadRequestIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt required", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "")
	_, err := client.Stream(context.Background(), StreamOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrTransient)
	assert.Contains(t, err.Error(), "prompt required")
}

func TestHTTPStreamRuntimeErrorEvent(t *testing.T) {
	fixture := &runtimeFixture{lines: []string{
		`{"type":"error","message":"model quota exhausted"}`,
	}}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "")
	stream, err := client.Stream(context.Background(), StreamOptions{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model quota exhausted")
}

func TestHTTPStreamEndsWithoutResult(t *testing.T) {
	fixture := &runtimeFixture{lines: []string{
		`{"type":"assistant","session_id":"sess_4","blocks":[{"type":"text","text":"partial"}]}`,
	}}
	srv := httptest.NewServer(fixture.handler())
	defer srv.Close()

	client := NewHTTPRuntimeClient(srv.URL, "")
	stream, err := client.Stream(context.Background(), StreamOptions{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
