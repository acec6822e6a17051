package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream_TenantFeedCarriesEntityEvents(t *testing.T) {
	app := NewTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws, err := app.WSConnect(ctx, tenantAcme, "")
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	created := app.CreateEntity(t, tenantAcme, map[string]any{
		"kind":    "note",
		"name":    "standup notes",
		"content": "release slipped to thursday",
	})
	entityID := created["id"].(string)

	evt, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "entity_created" && e.Data()["entity_id"] == entityID
	}, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "note", evt.Data()["kind"])
}

func TestEventStream_AgentRunEmitsStatusAndMessages(t *testing.T) {
	app := NewTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ws, err := app.WSConnect(ctx, tenantAcme, "")
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	app.Runtime.Script(&RuntimeScript{
		Turns: []RuntimeTurn{{Text: "On it."}, {Text: "Done."}},
	})
	agentID := app.SpawnAgent(t, tenantAcme, "Rotate the API keys")
	app.WaitForAgentStatus(t, tenantAcme, agentID, "completed")

	// Status progression reached the feed.
	_, err = ws.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "agent_status" &&
			e.Data()["agent_id"] == agentID && e.Data()["status"] == "completed"
	}, 15*time.Second)
	require.NoError(t, err)

	statuses := make(map[string]bool)
	for _, e := range ws.EventsByType("agent_status") {
		if e.Data()["agent_id"] == agentID {
			statuses[e.Data()["status"].(string)] = true
		}
	}
	assert.True(t, statuses["working"], "working status never reached the feed")
	assert.True(t, statuses["completed"])

	// Every streamed message was mirrored onto the feed.
	var texts []string
	for _, e := range ws.EventsByType("agent_message") {
		if e.Data()["agent_id"] == agentID {
			if content, ok := e.Data()["content"].(string); ok {
				texts = append(texts, content)
			}
		}
	}
	assert.Contains(t, texts, "Rotate the API keys")
	assert.Contains(t, texts, "Done.")
}

func TestEventStream_ForeignTenantTopicRejected(t *testing.T) {
	app := NewTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A connection cannot subscribe to another tenant's feed; the handshake
	// is rejected outright.
	ws, err := app.WSConnect(ctx, tenantAcme, "tenant:globex")
	if ws != nil {
		_ = ws.Close()
	}
	require.Error(t, err)
}

func TestEventStream_ApprovalChannelDeliversResponse(t *testing.T) {
	app := NewTestApp(t)

	app.Runtime.Script(&RuntimeScript{
		Turns: []RuntimeTurn{{Tool: &ScriptedTool{
			ID:     "tool-1",
			Name:   "shell",
			Input:  map[string]any{"command": "rm -rf ./build"},
			Result: "cleaned",
		}}},
	})

	agentID := app.SpawnAgent(t, tenantAcme, "Clean the build directory")
	pending := app.WaitForPendingApproval(t, tenantAcme, agentID)
	approvalID := pending["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Subscribe to the approval's own channel, the same one the blocked
	// worker listens on.
	ws, err := app.WSConnect(ctx, tenantAcme, "approval:"+approvalID)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	app.RespondApproval(t, tenantAcme, approvalID, true, "alice", "")
	app.WaitForAgentStatus(t, tenantAcme, agentID, "completed")

	evt, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "approval_response" && e.Data()["approval_id"] == approvalID
	}, 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, evt.Data()["approved"])
	assert.Equal(t, "alice", evt.Data()["by"])
}
