package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// EventPublisher is the publishing surface the services need: broadcast onto
// the tenant feed plus targeted publishes onto response channels.
// Satisfied by *events.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, data any)
	PublishTo(ctx context.Context, tenantID, channel, event string, data any) error
}

// cancelSweepLimit bounds how many pending approvals one cancel touches.
// An agent gates one tool call at a time, so anything above a handful means
// leftover rows from a crashed worker.
const cancelSweepLimit = 50

// AgentService owns the agent entity lifecycle: creation, the status state
// machine, runtime session tracking, and the cancellation sweep that unblocks
// workers suspended on approval waits.
type AgentService struct {
	entities  *entity.Factory
	publisher EventPublisher
}

// NewAgentService creates a new AgentService.
func NewAgentService(entities *entity.Factory, publisher EventPublisher) *AgentService {
	return &AgentService{entities: entities, publisher: publisher}
}

// SpawnAgentInput carries the caller-facing fields of a new agent.
type SpawnAgentInput struct {
	AgentType   string
	SpawnSource string
	ProjectID   string
	TaskID      string
}

// CreateAgent writes the agent entity in status initializing and returns it.
// The id is assigned here so callers can hand it to the job queue before the
// runner ever starts.
func (s *AgentService) CreateAgent(ctx context.Context, tenantID string, in SpawnAgentInput) (*models.Entity, error) {
	if in.AgentType == "" {
		return nil, models.NewValidationError("agent_type", "required")
	}
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return nil, err
	}

	source := in.SpawnSource
	if source == "" {
		source = "api"
	}
	now := time.Now().UTC()
	e := &models.Entity{
		ID:   uuid.NewString(),
		Kind: models.KindAgent,
		Name: fmt.Sprintf("%s-%s", in.AgentType, now.Format("20060102-150405")),
		Metadata: map[string]any{
			"agent_type":   in.AgentType,
			"spawn_source": source,
			"status":       string(models.AgentInitializing),
			"started_at":   now.Format(time.RFC3339),
		},
	}
	if in.ProjectID != "" {
		e.SetMeta("project_id", in.ProjectID)
	}
	if in.TaskID != "" {
		e.SetMeta("task_id", in.TaskID)
	}

	if _, err := mgr.CreateDirect(ctx, e, false); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, tenantID, events.EventAgentStatus, events.AgentStatusPayload{
		AgentID: e.ID,
		Status:  models.AgentInitializing,
	})
	return e, nil
}

// Get returns the agent entity, or ErrNotFound when the id resolves to a
// different kind.
func (s *AgentService) Get(ctx context.Context, tenantID, agentID string) (*models.Entity, error) {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return nil, err
	}
	e, err := mgr.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if e.Kind != models.KindAgent {
		return nil, models.ErrNotFound
	}
	return e, nil
}

// SetStatus moves the agent through its state machine and broadcasts the
// change. Invalid moves return ErrTransitionForbidden; in particular nothing
// leaves a terminal status, so a late worker write cannot resurrect a
// cancelled agent.
func (s *AgentService) SetStatus(ctx context.Context, tenantID, agentID string, to models.AgentStatus, errMsg string) error {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	e, err := mgr.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if e.Kind != models.KindAgent {
		return models.ErrNotFound
	}

	from := models.AgentStatus(e.MetaString("status"))
	if from == to {
		return nil
	}
	if !models.ValidAgentTransition(from, to) {
		return fmt.Errorf("agent %s: %s → %s: %w", agentID, from, to, models.ErrTransitionForbidden)
	}

	updates := map[string]any{"status": string(to)}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if to.Terminal() {
		updates["finished_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	if _, err := mgr.Update(ctx, agentID, updates); err != nil {
		return err
	}

	s.publisher.Publish(ctx, tenantID, events.EventAgentStatus, events.AgentStatusPayload{
		AgentID: agentID,
		Status:  to,
		Error:   errMsg,
	})
	return nil
}

// Reopen moves a finished agent back to working for a resumed run. This is
// the one sanctioned exit from a terminal status; SetStatus stays strict so a
// late write from a dead worker cannot resurrect an agent by accident. Agents
// still mid-run cannot be reopened.
func (s *AgentService) Reopen(ctx context.Context, tenantID, agentID string) error {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	e, err := mgr.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if e.Kind != models.KindAgent {
		return models.ErrNotFound
	}

	from := models.AgentStatus(e.MetaString("status"))
	if !from.Terminal() {
		return fmt.Errorf("agent %s: resume from %s: %w", agentID, from, models.ErrTransitionForbidden)
	}
	if _, err := mgr.Update(ctx, agentID, map[string]any{
		"status":      string(models.AgentWorking),
		"error":       "",
		"finished_at": "",
	}); err != nil {
		return err
	}
	s.publisher.Publish(ctx, tenantID, events.EventAgentStatus, events.AgentStatusPayload{
		AgentID: agentID,
		Status:  models.AgentWorking,
	})
	return nil
}

// SetSessionID records the runtime's session identity on the agent entity.
// Resume re-attaches with this value.
func (s *AgentService) SetSessionID(ctx context.Context, tenantID, agentID, sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session_id", "required")
	}
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	_, err = mgr.Update(ctx, agentID, map[string]any{"session_id": sessionID})
	return err
}

// Heartbeat stamps last_heartbeat on the agent entity. The orphan-recovery
// pass uses staleness here to fail agents whose worker died.
func (s *AgentService) Heartbeat(ctx context.Context, tenantID, agentID string) error {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	_, err = mgr.Update(ctx, agentID, map[string]any{
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

// Cancel runs the cancellation sweep: every pending approval under the agent
// is expired and a denial is published onto its response channel (this is
// what unblocks a worker suspended on a wait), then the agent's cancel
// channel is signalled so the runner tears down at the next suspension point.
// The agent's own status moves when the stream terminates, not here.
func (s *AgentService) Cancel(ctx context.Context, tenantID, agentID, reason string) error {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	e, err := mgr.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if e.Kind != models.KindAgent {
		return models.ErrNotFound
	}
	if reason == "" {
		reason = "Agent cancelled"
	}

	pending, err := mgr.ListByType(ctx, models.KindApproval, entity.ListOptions{
		AgentID: agentID,
		Status:  string(models.ApprovalPending),
		Limit:   cancelSweepLimit,
	})
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}

	now := time.Now().UTC()
	for _, appr := range pending {
		if _, err := mgr.Update(ctx, appr.ID, map[string]any{
			"status":           string(models.ApprovalExpired),
			"responded_at":     now.Format(time.RFC3339),
			"response_message": reason,
		}); err != nil {
			slog.Error("Failed to expire approval during cancel sweep",
				"approval_id", appr.ID, "agent_id", agentID, "error", err)
			continue
		}
		resp := models.ApprovalResponse{
			ApprovalID:  appr.ID,
			Approved:    false,
			Message:     reason,
			RespondedAt: now,
		}
		if err := s.publisher.PublishTo(ctx, tenantID,
			events.ApprovalChannel(appr.ID), events.EventApprovalResponse, resp); err != nil {
			slog.Error("Failed to publish cancellation denial",
				"approval_id", appr.ID, "agent_id", agentID, "error", err)
		}
	}

	if err := s.publisher.PublishTo(ctx, tenantID,
		events.AgentCancelChannel(agentID), events.EventAgentCancel,
		events.AgentCancelPayload{AgentID: agentID, Reason: reason}); err != nil {
		return fmt.Errorf("signal agent cancel: %w", err)
	}
	return nil
}
