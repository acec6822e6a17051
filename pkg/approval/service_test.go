package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/approval"
	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/embedding"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/extraction"
	"github.com/sibyl-dev/sibyl/pkg/masking"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/services"
	"github.com/sibyl-dev/sibyl/test/util"
)

const testTenant = "acme"

// gateHarness wires the full approval stack against live containers:
// FalkorDB for entities, PostgreSQL for messages, events and the LISTEN
// connection the waiter rides on.
type gateHarness struct {
	svc       *approval.Service
	entities  *entity.Factory
	agents    *services.AgentService
	messages  *services.MessageService
	publisher *events.Publisher
	agentID   string
}

func setupGate(t *testing.T, cfg config.ApprovalConfig) *gateHarness {
	t.Helper()
	ctx := context.Background()

	db, connStr := util.SetupTestDatabaseWithConnString(t)
	driver := util.SetupTestGraph(t)

	factory := entity.NewFactory(driver,
		embedding.NewClient(embedding.Config{}),
		extraction.NewClient(extraction.Config{}))

	publisher := events.NewPublisher(db)
	listener := events.NewListener(connStr)
	require.NoError(t, listener.Start(ctx))
	t.Cleanup(func() { listener.Stop(context.Background()) })

	eventStore := services.NewEventService(db)
	waiter := events.NewWaiter(listener, eventStore)
	listener.AddSink(waiter)

	agents := services.NewAgentService(factory, publisher)
	messages := services.NewMessageService(db)
	masker := masking.NewService()

	svc := approval.NewService(factory, agents, messages, publisher, waiter, masker,
		approval.DefaultMatchers(cfg.HighRiskDomains, cfg.ExtraSensitiveFilePatterns), cfg)

	agent, err := agents.CreateAgent(ctx, testTenant, services.SpawnAgentInput{AgentType: "general"})
	require.NoError(t, err)
	require.NoError(t, agents.SetStatus(ctx, testTenant, agent.ID, models.AgentWorking, ""))

	return &gateHarness{
		svc:       svc,
		entities:  factory,
		agents:    agents,
		messages:  messages,
		publisher: publisher,
		agentID:   agent.ID,
	}
}

// pendingApproval polls until the gate has persisted its approval entity.
func (h *gateHarness) pendingApproval(t *testing.T) *models.Entity {
	t.Helper()
	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := mgr.ListByType(context.Background(), models.KindApproval, entity.ListOptions{
			AgentID: h.agentID,
			Status:  string(models.ApprovalPending),
		})
		require.NoError(t, err)
		if len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("gate never persisted an approval entity")
	return nil
}

func (h *gateHarness) shellCall(command string) models.ToolCall {
	return models.ToolCall{
		ID:       "toolu_it",
		TenantID: testTenant,
		AgentID:  h.agentID,
		Name:     models.ToolShell,
		Input:    map[string]any{"command": command},
	}
}

func TestDecideUnmatchedCallAllows(t *testing.T) {
	// No infrastructure is touched when nothing matches, so nil deps are fine.
	svc := approval.NewService(nil, nil, nil, nil, nil, nil,
		approval.DefaultMatchers(nil, nil), *config.DefaultApprovalConfig())

	d := svc.Decide(context.Background(), models.ToolCall{
		Name:  models.ToolShell,
		Input: map[string]any{"command": "ls -la"},
	})
	assert.True(t, d.Allowed())
}

func TestApprovalApprovedReleasesTool(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	cfg.WaitTimeout = 20 * time.Second
	h := setupGate(t, cfg)
	ctx := context.Background()

	decisionCh := make(chan models.Decision, 1)
	go func() {
		decisionCh <- h.svc.Decide(ctx, h.shellCall("rm -rf /tmp/scratch"))
	}()

	pending := h.pendingApproval(t)
	assert.Equal(t, "destructive_command", pending.MetaString("approval_type"))
	assert.Equal(t, models.ToolShell, pending.MetaString("tool_name"))

	resp := models.ApprovalResponse{
		ApprovalID:  pending.ID,
		Approved:    true,
		By:          "alice",
		RespondedAt: time.Now().UTC(),
	}
	require.NoError(t, h.publisher.PublishTo(ctx, testTenant,
		events.ApprovalChannel(pending.ID), events.EventApprovalResponse, resp))

	select {
	case d := <-decisionCh:
		assert.True(t, d.Allowed())
	case <-time.After(15 * time.Second):
		t.Fatal("gate never resolved")
	}

	// Entity settled and agent back to working.
	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)
	settled, err := mgr.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.ApprovalApproved), settled.MetaString("status"))
	assert.Equal(t, "alice", settled.MetaString("response_by"))

	agent, err := h.agents.Get(ctx, testTenant, h.agentID)
	require.NoError(t, err)
	assert.Equal(t, string(models.AgentWorking), agent.MetaString("status"))

	// The pending request left a system message in the durable stream.
	msgs, err := h.messages.List(ctx, h.agentID, 0, 50)
	require.NoError(t, err)
	var found bool
	for _, m := range msgs {
		if m.Role == models.RoleSystem && m.Extra["approval_id"] == pending.ID {
			found = true
		}
	}
	assert.True(t, found, "approval system message appended")
}

func TestApprovalDeniedCarriesReason(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	h := setupGate(t, cfg)
	ctx := context.Background()

	decisionCh := make(chan models.Decision, 1)
	go func() {
		decisionCh <- h.svc.Decide(ctx, h.shellCall("git push --force origin main"))
	}()

	pending := h.pendingApproval(t)
	resp := models.ApprovalResponse{
		ApprovalID:  pending.ID,
		Approved:    false,
		By:          "bob",
		Message:     "not during the release freeze",
		RespondedAt: time.Now().UTC(),
	}
	require.NoError(t, h.publisher.PublishTo(ctx, testTenant,
		events.ApprovalChannel(pending.ID), events.EventApprovalResponse, resp))

	select {
	case d := <-decisionCh:
		assert.Equal(t, models.DecisionDeny, d.Behavior)
		assert.Equal(t, "not during the release freeze", d.Reason)
	case <-time.After(15 * time.Second):
		t.Fatal("gate never resolved")
	}

	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)
	settled, err := mgr.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.ApprovalDenied), settled.MetaString("status"))
}

func TestApprovalTimeoutExpiresAndDenies(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	cfg.WaitTimeout = 300 * time.Millisecond
	h := setupGate(t, cfg)
	ctx := context.Background()

	d := h.svc.Decide(ctx, h.shellCall("kubectl delete namespace staging"))
	assert.Equal(t, models.DecisionDeny, d.Behavior)
	assert.Equal(t, "Approval request timed out", d.Reason)

	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)
	all, err := mgr.ListByType(ctx, models.KindApproval, entity.ListOptions{AgentID: h.agentID})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, string(models.ApprovalExpired), all[0].MetaString("status"))
}

func TestQuestionInterceptReturnsAnswers(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	h := setupGate(t, cfg)
	ctx := context.Background()

	call := models.ToolCall{
		ID:       "toolu_q",
		TenantID: testTenant,
		AgentID:  h.agentID,
		Name:     models.ToolQuestion,
		Input:    map[string]any{"questions": "Deploy to staging or production?"},
	}

	decisionCh := make(chan models.Decision, 1)
	go func() {
		decisionCh <- h.svc.Decide(ctx, call)
	}()

	pending := h.pendingApproval(t)
	assert.Equal(t, "user_question", pending.MetaString("approval_type"))

	resp := models.QuestionResponse{
		QuestionID:  pending.ID,
		Answers:     map[string]string{"target": "staging"},
		By:          "carol",
		RespondedAt: time.Now().UTC(),
	}
	require.NoError(t, h.publisher.PublishTo(ctx, testTenant,
		events.QuestionChannel(pending.ID), events.EventQuestionResponse, resp))

	select {
	case d := <-decisionCh:
		assert.Equal(t, models.DecisionIntercept, d.Behavior)
		assert.Contains(t, d.Result, "target: staging")
	case <-time.After(15 * time.Second):
		t.Fatal("gate never resolved")
	}
}

func TestSettledApprovalRejectsLateTransition(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	cfg.WaitTimeout = 200 * time.Millisecond
	h := setupGate(t, cfg)
	ctx := context.Background()

	// Let a gate expire, then try to approve it after the fact.
	d := h.svc.Decide(ctx, h.shellCall("drop table users"))
	require.Equal(t, models.DecisionDeny, d.Behavior)

	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)
	all, err := mgr.ListByType(ctx, models.KindApproval, entity.ListOptions{AgentID: h.agentID})
	require.NoError(t, err)
	require.Len(t, all, 1)

	err = h.svc.Transition(ctx, testTenant, all[0].ID, models.ApprovalApproved, "late-larry", "better late")
	assert.ErrorIs(t, err, models.ErrTransitionForbidden)
}

func TestMaskedPreviewPersisted(t *testing.T) {
	cfg := *config.DefaultApprovalConfig()
	cfg.WaitTimeout = 200 * time.Millisecond
	h := setupGate(t, cfg)
	ctx := context.Background()

	_ = h.svc.Decide(ctx, h.shellCall(`rm -rf /data && export api_key=sk1234567890abcdef12`))

	mgr, err := h.entities.ForTenant(testTenant)
	require.NoError(t, err)
	all, err := mgr.ListByType(ctx, models.KindApproval, entity.ListOptions{AgentID: h.agentID})
	require.NoError(t, err)
	require.Len(t, all, 1)

	preview := all[0].MetaString("preview")
	assert.NotContains(t, preview, "sk1234567890abcdef12")
	assert.Contains(t, preview, "rm -rf /data")
}
