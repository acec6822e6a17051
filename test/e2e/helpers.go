package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/graph"
)

// Tenants used across the suite. Both are cleaned up by the graph test
// helper's teardown.
const (
	tenantAcme   = "acme"
	tenantGlobex = "globex"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// Do sends a request with the tenant header and returns the raw response.
// Callers own the body.
func (app *TestApp) Do(t *testing.T, method, path, tenant string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(graph.TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (app *TestApp) doJSON(t *testing.T, method, path, tenant string, body any, expectStatus int) map[string]any {
	t.Helper()
	resp := app.Do(t, method, path, tenant, body)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectStatus, resp.StatusCode, "%s %s: unexpected status, body: %s", method, path, raw)
	if len(raw) == 0 {
		return nil
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result), "%s %s: body: %s", method, path, raw)
	return result
}

func (app *TestApp) postJSON(t *testing.T, tenant, path string, body any, expectStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodPost, path, tenant, body, expectStatus)
}

func (app *TestApp) getJSON(t *testing.T, tenant, path string, expectStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodGet, path, tenant, nil, expectStatus)
}

// GetStatus returns just the status code of a GET, for tests asserting
// rejection without caring about the body.
func (app *TestApp) GetStatus(t *testing.T, tenant, path string) int {
	t.Helper()
	resp := app.Do(t, http.MethodGet, path, tenant, nil)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode
}

// ────────────────────────────────────────────────────────────
// Agent helpers
// ────────────────────────────────────────────────────────────

// SpawnAgent posts a new agent execution and returns its agent id.
func (app *TestApp) SpawnAgent(t *testing.T, tenant, prompt string) string {
	t.Helper()
	resp := app.postJSON(t, tenant, "/api/v1/agents", map[string]any{
		"prompt":     prompt,
		"agent_type": "general",
	}, http.StatusAccepted)
	agentID, _ := resp["agent_id"].(string)
	require.NotEmpty(t, agentID)
	return agentID
}

// GetAgent fetches the agent entity.
func (app *TestApp) GetAgent(t *testing.T, tenant, agentID string) map[string]any {
	t.Helper()
	return app.getJSON(t, tenant, "/api/v1/agents/"+agentID, http.StatusOK)
}

// WaitForAgentStatus polls the agent entity until its status reaches one of
// the expected values. Returns the status it landed on.
func (app *TestApp) WaitForAgentStatus(t *testing.T, tenant, agentID string, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		e := app.GetAgent(t, tenant, agentID)
		actual = metaString(e, "status")
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"agent %s did not reach status %v (last: %s)", agentID, expected, actual)
	return actual
}

// ListMessages returns the agent's durable conversation log.
func (app *TestApp) ListMessages(t *testing.T, tenant, agentID string) []map[string]any {
	t.Helper()
	resp := app.getJSON(t, tenant, fmt.Sprintf("/api/v1/agents/%s/messages", agentID), http.StatusOK)
	return asMaps(resp["messages"])
}

// ResumeAgent posts a continuation message for the agent.
func (app *TestApp) ResumeAgent(t *testing.T, tenant, agentID, message string) {
	t.Helper()
	app.postJSON(t, tenant, fmt.Sprintf("/api/v1/agents/%s/resume", agentID),
		map[string]any{"message": message}, http.StatusAccepted)
}

// CancelAgent posts a cancellation for the agent.
func (app *TestApp) CancelAgent(t *testing.T, tenant, agentID, reason string) {
	t.Helper()
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	resp := app.Do(t, http.MethodPost, fmt.Sprintf("/api/v1/agents/%s/cancel", agentID), tenant, body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

// ────────────────────────────────────────────────────────────
// Approval helpers
// ────────────────────────────────────────────────────────────

// WaitForPendingApproval polls until the agent has a pending approval entity
// and returns it.
func (app *TestApp) WaitForPendingApproval(t *testing.T, tenant, agentID string) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		resp := app.getJSON(t, tenant,
			"/api/v1/entities?kind=approval&agent_id="+agentID+"&status=pending", http.StatusOK)
		entities := asMaps(resp["entities"])
		if len(entities) == 0 {
			return false
		}
		found = entities[0]
		return true
	}, 30*time.Second, 100*time.Millisecond,
		"no pending approval appeared for agent %s", agentID)
	return found
}

// RespondApproval posts a human decision for the approval.
func (app *TestApp) RespondApproval(t *testing.T, tenant, approvalID string, approved bool, by, message string) map[string]any {
	t.Helper()
	return app.postJSON(t, tenant, fmt.Sprintf("/api/v1/approvals/%s/respond", approvalID),
		map[string]any{"approved": approved, "by": by, "message": message}, http.StatusOK)
}

// RespondQuestion posts answers for an intercepted question.
func (app *TestApp) RespondQuestion(t *testing.T, tenant, questionID string, answers map[string]string, by string) map[string]any {
	t.Helper()
	return app.postJSON(t, tenant, fmt.Sprintf("/api/v1/questions/%s/respond", questionID),
		map[string]any{"answers": answers, "by": by}, http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Entity graph helpers
// ────────────────────────────────────────────────────────────

// CreateEntity posts an entity and returns the stored form.
func (app *TestApp) CreateEntity(t *testing.T, tenant string, body map[string]any) map[string]any {
	t.Helper()
	return app.postJSON(t, tenant, "/api/v1/entities", body, http.StatusCreated)
}

// CreateRelationship posts an edge and returns the stored form.
func (app *TestApp) CreateRelationship(t *testing.T, tenant, sourceID, targetID, kind string) map[string]any {
	t.Helper()
	return app.postJSON(t, tenant, "/api/v1/relationships", map[string]any{
		"source_id": sourceID,
		"target_id": targetID,
		"kind":      kind,
	}, http.StatusCreated)
}

// ────────────────────────────────────────────────────────────
// JSON access helpers
// ────────────────────────────────────────────────────────────

// metaString digs a string out of an entity map's metadata.
func metaString(e map[string]any, key string) string {
	meta, _ := e["metadata"].(map[string]any)
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

// asMaps converts a decoded JSON array into a slice of object maps.
func asMaps(v any) []map[string]any {
	arr, _ := v.([]any)
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
