package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockRuntime is a scripted stand-in for the agent runtime service. It speaks
// the real NDJSON protocol: each POST /v1/agent/stream consumes the next
// queued script and plays its turns as newline-delimited events; gate_check
// turns block until the decision POST for that tool arrives.
type MockRuntime struct {
	srv *httptest.Server

	mu        sync.Mutex
	scripts   []*RuntimeScript
	sessions  map[string]chan RecordedDecision
	streams   []StreamRequest
	decisions []RecordedDecision
	injects   map[string][]string
	seq       int
}

// RuntimeScript describes one conversation the runtime will play.
type RuntimeScript struct {
	// SessionID is the runtime session this conversation reports. Empty
	// keeps the caller's session id (re-attach) or auto-generates one.
	SessionID string
	Turns     []RuntimeTurn
	// Fail turns the terminal result into an error result.
	Fail  string
	Usage [2]int // input, output tokens on the result event
}

// RuntimeTurn is one step of a scripted conversation: either an assistant
// text block or a tool call that goes through the gate.
type RuntimeTurn struct {
	Text string
	Tool *ScriptedTool
}

// ScriptedTool is a tool call the runtime raises a gate_check for. When the
// gate allows it, Result becomes the tool_results content.
type ScriptedTool struct {
	ID     string
	Name   string
	Input  map[string]any
	Result string
}

// StreamRequest records one POST /v1/agent/stream body.
type StreamRequest struct {
	TenantID     string `json:"tenant_id"`
	AgentID      string `json:"agent_id"`
	Prompt       string `json:"prompt"`
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
}

// RecordedDecision is one POST /v1/sessions/{sid}/decisions body.
type RecordedDecision struct {
	SessionID string
	ToolID    string `json:"tool_id"`
	Behavior  string `json:"behavior"`
	Reason    string `json:"reason"`
	Result    string `json:"result"`
}

// NewMockRuntime starts the stub server. Close it after the worker pool has
// stopped.
func NewMockRuntime() *MockRuntime {
	m := &MockRuntime{
		sessions: make(map[string]chan RecordedDecision),
		injects:  make(map[string][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/stream", m.handleStream)
	mux.HandleFunc("POST /v1/sessions/", m.handleSession)
	m.srv = httptest.NewServer(mux)
	return m
}

// URL returns the stub's base URL for AgentsConfig.RuntimeURL.
func (m *MockRuntime) URL() string { return m.srv.URL }

// Close shuts the stub down.
func (m *MockRuntime) Close() { m.srv.Close() }

// Script queues the next conversation. Scripts are consumed in FIFO order,
// one per stream open.
func (m *MockRuntime) Script(s *RuntimeScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, s)
}

// StreamRequests returns a snapshot of every stream open seen so far.
func (m *MockRuntime) StreamRequests() []StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamRequest, len(m.streams))
	copy(out, m.streams)
	return out
}

// Decisions returns a snapshot of every gate decision received so far.
func (m *MockRuntime) Decisions() []RecordedDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedDecision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

// Injected returns the mid-stream prompts posted to the given session.
func (m *MockRuntime) Injected(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.injects[sessionID]...)
}

func (m *MockRuntime) handleStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad stream request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.streams = append(m.streams, req)
	var script *RuntimeScript
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	} else {
		script = &RuntimeScript{}
	}
	sid := script.SessionID
	if sid == "" {
		sid = req.SessionID
	}
	if sid == "" {
		m.seq++
		sid = fmt.Sprintf("sess-%04d", m.seq)
	}
	decisionCh := make(chan RecordedDecision, 4)
	m.sessions[sid] = decisionCh
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)

	write := func(ev map[string]any) {
		data, _ := json.Marshal(ev)
		_, _ = w.Write(append(data, '\n'))
		if f != nil {
			f.Flush()
		}
	}

	for _, turn := range script.Turns {
		if turn.Text != "" {
			write(map[string]any{
				"type":       "assistant",
				"session_id": sid,
				"blocks":     []map[string]any{{"type": "text", "text": turn.Text}},
			})
		}
		if turn.Tool == nil {
			continue
		}
		tool := turn.Tool
		write(map[string]any{
			"type":       "gate_check",
			"session_id": sid,
			"tool":       map[string]any{"id": tool.ID, "name": tool.Name, "input": tool.Input},
		})

		var decision RecordedDecision
		select {
		case decision = <-decisionCh:
		case <-time.After(90 * time.Second):
			write(map[string]any{"type": "error", "message": "no gate decision received"})
			return
		case <-r.Context().Done():
			return
		}

		switch decision.Behavior {
		case "allow":
			write(map[string]any{
				"type":       "assistant",
				"session_id": sid,
				"blocks": []map[string]any{{
					"type": "tool_use", "id": tool.ID, "name": tool.Name, "input": tool.Input,
				}},
			})
			write(map[string]any{
				"type":    "tool_results",
				"results": []map[string]any{{"tool_id": tool.ID, "content": tool.Result}},
			})
		case "intercept":
			write(map[string]any{
				"type":    "tool_results",
				"results": []map[string]any{{"tool_id": tool.ID, "content": decision.Result}},
			})
		default: // deny
			write(map[string]any{
				"type": "tool_results",
				"results": []map[string]any{{
					"tool_id": tool.ID, "content": decision.Reason, "is_error": true,
				}},
			})
		}
	}

	result := map[string]any{
		"type":       "result",
		"session_id": sid,
		"usage":      map[string]any{"input_tokens": script.Usage[0], "output_tokens": script.Usage[1]},
		"cost_usd":   0.01,
	}
	if script.Fail != "" {
		result["is_error"] = true
		result["error"] = script.Fail
	}
	write(result)
}

// handleSession covers the two control-plane endpoints:
// /v1/sessions/{sid}/decisions and /v1/sessions/{sid}/messages.
func (m *MockRuntime) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sid, action := parts[0], parts[1]

	switch action {
	case "decisions":
		var d RecordedDecision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "bad decision", http.StatusBadRequest)
			return
		}
		d.SessionID = sid

		m.mu.Lock()
		m.decisions = append(m.decisions, d)
		ch := m.sessions[sid]
		m.mu.Unlock()

		if ch == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		ch <- d
		w.WriteHeader(http.StatusNoContent)

	case "messages":
		var in struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.injects[sid] = append(m.injects[sid], in.Prompt)
		m.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}
