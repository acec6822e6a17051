package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// scanBufferSize bounds one NDJSON line from the runtime. Tool results can
// carry whole files, so this is generous.
const scanBufferSize = 8 * 1024 * 1024

// HTTPRuntimeClient implements RuntimeClient against the agent runtime's
// NDJSON streaming API. One POST opens the conversation; events arrive as
// newline-delimited JSON until the terminal result. Tool-gate checks arrive
// in-band and are answered with a decision POST before the runtime proceeds.
type HTTPRuntimeClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPRuntimeClient creates a client for the runtime service at baseURL.
func NewHTTPRuntimeClient(baseURL, token string) *HTTPRuntimeClient {
	return &HTTPRuntimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No overall timeout: streams stay open for the life of the
		// conversation. The stream context bounds it instead.
		http: &http.Client{},
	}
}

// Stream opens a conversation and returns the live message stream.
func (c *HTTPRuntimeClient) Stream(ctx context.Context, opts StreamOptions) (Stream, error) {
	body, err := json.Marshal(streamRequest{
		TenantID:     opts.TenantID,
		AgentID:      opts.AgentID,
		Prompt:       opts.Prompt,
		SessionID:    opts.SessionID,
		SystemPrompt: opts.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/agent/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open runtime stream: %w: %w", models.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("runtime stream: %s: %s: %w",
				resp.Status, strings.TrimSpace(string(msg)), models.ErrTransient)
		}
		return nil, fmt.Errorf("runtime stream: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	return &httpStream{
		client:  c,
		body:    resp.Body,
		scanner: scanner,
		gate:    opts.Gate,
		call:    models.ToolCall{TenantID: opts.TenantID, AgentID: opts.AgentID},
	}, nil
}

// Close is a no-op: connections belong to individual streams.
func (c *HTTPRuntimeClient) Close() error { return nil }

// httpStream reads one conversation off a streaming response body.
type httpStream struct {
	client  *HTTPRuntimeClient
	body    io.ReadCloser
	scanner *bufio.Scanner
	gate    ToolGate
	call    models.ToolCall // tenant/agent stamp for gate checks

	mu        sync.Mutex
	sessionID string
	done      bool
}

// Next returns the next message, answering in-band gate checks along the
// way. It returns io.EOF once the terminal result has been delivered.
func (s *httpStream) Next(ctx context.Context) (Message, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("read runtime stream: %w: %w", models.ErrTransient, err)
			}
			// Stream closed without a result message.
			s.done = true
			return nil, io.EOF
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode runtime event: %w", err)
		}
		if ev.SessionID != "" {
			s.setSessionID(ev.SessionID)
		}

		switch ev.Type {
		case "assistant":
			return fromWireAssistant(&ev), nil
		case "tool_results":
			return fromWireResults(&ev), nil
		case "result":
			s.done = true
			return fromWireResult(&ev), nil
		case "gate_check":
			if err := s.answerGateCheck(ctx, &ev); err != nil {
				return nil, err
			}
		case "error":
			return nil, fmt.Errorf("runtime error: %s", ev.Message)
		default:
			// Unknown event types from newer runtimes are skipped.
		}
	}
}

// Inject queues a mid-stream user message into the conversation.
func (s *httpStream) Inject(ctx context.Context, prompt string) error {
	sid := s.getSessionID()
	if sid == "" {
		return fmt.Errorf("inject: session not established yet")
	}
	return s.client.post(ctx,
		fmt.Sprintf("/v1/sessions/%s/messages", sid),
		injectRequest{Prompt: prompt})
}

// Close tears the stream down. The runtime treats a dropped stream as a
// cancellation.
func (s *httpStream) Close() error {
	return s.body.Close()
}

// answerGateCheck consults the gate and posts the decision back. The runtime
// holds the tool call until the decision arrives.
func (s *httpStream) answerGateCheck(ctx context.Context, ev *wireEvent) error {
	if ev.Tool == nil {
		return fmt.Errorf("gate_check event without tool")
	}
	call := s.call
	call.ID = ev.Tool.ID
	call.Name = ev.Tool.Name
	call.Input = ev.Tool.Input

	decision := models.Decision{Behavior: models.DecisionAllow}
	if s.gate != nil {
		decision = s.gate.Decide(ctx, call)
	}
	sid := s.getSessionID()
	if sid == "" {
		return fmt.Errorf("gate_check before session established")
	}
	return s.client.post(ctx,
		fmt.Sprintf("/v1/sessions/%s/decisions", sid),
		decisionRequest{
			ToolID:   call.ID,
			Behavior: string(decision.Behavior),
			Reason:   decision.Reason,
			Result:   decision.Result,
		})
}

func (s *httpStream) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *httpStream) getSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// post sends a small control-plane request (decision, inject) outside the
// streaming response.
func (c *HTTPRuntimeClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal runtime request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runtime %s: %w: %w", path, models.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runtime %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Wire types
// ────────────────────────────────────────────────────────────

type streamRequest struct {
	TenantID     string `json:"tenant_id"`
	AgentID      string `json:"agent_id"`
	Prompt       string `json:"prompt"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type injectRequest struct {
	Prompt string `json:"prompt"`
}

type decisionRequest struct {
	ToolID   string `json:"tool_id"`
	Behavior string `json:"behavior"`
	Reason   string `json:"reason,omitempty"`
	Result   string `json:"result,omitempty"`
}

type wireEvent struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Blocks    []wireBlock   `json:"blocks,omitempty"`
	Results   []wireResult  `json:"results,omitempty"`
	Usage     *wireUsage    `json:"usage,omitempty"`
	CostUSD   float64       `json:"cost_usd,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
	Tool      *wireToolCall `json:"tool,omitempty"`
}

type wireBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type wireResult struct {
	ToolID  string `json:"tool_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

func fromWireAssistant(ev *wireEvent) *AssistantMessage {
	msg := &AssistantMessage{SessionID: ev.SessionID}
	for _, b := range ev.Blocks {
		switch b.Type {
		case "text":
			msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: b.Text})
		case "tool_use":
			msg.Blocks = append(msg.Blocks, Block{
				Type: BlockToolUse, ToolID: b.ID, ToolName: b.Name, Input: b.Input,
			})
		}
	}
	return msg
}

func fromWireResults(ev *wireEvent) *ToolResultsMessage {
	msg := &ToolResultsMessage{Results: make([]ToolResult, 0, len(ev.Results))}
	for _, r := range ev.Results {
		msg.Results = append(msg.Results, ToolResult{
			ToolID: r.ToolID, Content: r.Content, IsError: r.IsError,
		})
	}
	return msg
}

func fromWireResult(ev *wireEvent) *ResultMessage {
	msg := &ResultMessage{
		SessionID: ev.SessionID,
		CostUSD:   ev.CostUSD,
		IsError:   ev.IsError,
		Error:     ev.Error,
	}
	if ev.Usage != nil {
		msg.Usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
	}
	return msg
}
