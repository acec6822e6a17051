package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// agentHeartbeatInterval is how often a live execution stamps last_heartbeat
// on its agent entity.
const agentHeartbeatInterval = 30 * time.Second

// resumeHistoryLimit bounds how many trailing messages a checkpoint resume
// replays into the new session's context.
const resumeHistoryLimit = 20

// Enqueuer posts background jobs. Satisfied by *queue.Queue; nil disables
// status hints.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, tenantID string, args any) (string, error)
}

// Runner executes agent conversations end to end: it opens a runtime stream,
// pumps every message into the durable log and the event bus, gates tool
// calls through the approval service, and settles the agent entity into a
// terminal status with a checkpoint.
type Runner struct {
	runtime   RuntimeClient
	entities  *entity.Factory
	agents    *services.AgentService
	messages  *services.MessageService
	publisher services.EventPublisher
	waiter    *events.Waiter
	gate      ToolGate
	jobs      Enqueuer
	cfg       *config.AgentsConfig
}

// NewRunner creates a new Runner.
func NewRunner(
	runtime RuntimeClient,
	entities *entity.Factory,
	agents *services.AgentService,
	messages *services.MessageService,
	publisher services.EventPublisher,
	waiter *events.Waiter,
	gate ToolGate,
	jobs Enqueuer,
	cfg *config.AgentsConfig,
) *Runner {
	if cfg == nil {
		cfg = config.DefaultAgentsConfig()
	}
	return &Runner{
		runtime:   runtime,
		entities:  entities,
		agents:    agents,
		messages:  messages,
		publisher: publisher,
		waiter:    waiter,
		gate:      gate,
		jobs:      jobs,
		cfg:       cfg,
	}
}

// SpawnInput describes a new agent execution. AgentID reuses an entity the
// API already created; when empty the runner creates one.
type SpawnInput struct {
	AgentID     string
	Prompt      string
	AgentType   string
	SpawnSource string
	ProjectID   string
	TaskID      string
}

// Spawn runs a fresh agent conversation to completion. It blocks until the
// stream terminates; run it from a queue worker.
func (r *Runner) Spawn(ctx context.Context, tenantID string, in SpawnInput) error {
	if in.Prompt == "" {
		return models.NewValidationError("prompt", "required")
	}
	agentEnt, err := r.ensureAgent(ctx, tenantID, in)
	if err != nil {
		return err
	}
	return r.execute(ctx, tenantID, agentEnt.ID, in.Prompt, "")
}

// ResumeAgent re-attaches to the agent's stored runtime session and streams
// the continuation. Terminal agents are reopened; an agent that was left
// working by a dead worker resumes in place.
func (r *Runner) ResumeAgent(ctx context.Context, tenantID, agentID, prompt string) error {
	if prompt == "" {
		return models.NewValidationError("prompt", "required")
	}
	agentEnt, err := r.agents.Get(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	sessionID := agentEnt.MetaString("session_id")
	if sessionID == "" {
		return models.NewValidationError("session_id", "agent has no runtime session to resume")
	}
	if models.AgentStatus(agentEnt.MetaString("status")).Terminal() {
		if err := r.agents.Reopen(ctx, tenantID, agentID); err != nil {
			return err
		}
	}
	return r.execute(ctx, tenantID, agentID, prompt, sessionID)
}

// ResumeFromCheckpoint starts a fresh runtime session for the checkpoint's
// agent, reconstructing context from the checkpoint summary and the tail of
// the durable conversation log.
func (r *Runner) ResumeFromCheckpoint(ctx context.Context, tenantID, checkpointID, prompt string) error {
	mgr, err := r.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	cp, err := mgr.Get(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.Kind != models.KindCheckpoint {
		return models.ErrNotFound
	}
	agentID := cp.MetaString("agent_id")
	if agentID == "" {
		return fmt.Errorf("checkpoint %s has no agent_id", checkpointID)
	}
	agentEnt, err := r.agents.Get(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	if models.AgentStatus(agentEnt.MetaString("status")).Terminal() {
		if err := r.agents.Reopen(ctx, tenantID, agentID); err != nil {
			return err
		}
	}
	return r.execute(ctx, tenantID, agentID, r.checkpointPrompt(ctx, cp, agentID, prompt), "")
}

// LatestCheckpoint returns the agent's most recent checkpoint entity.
func (r *Runner) LatestCheckpoint(ctx context.Context, tenantID, agentID string) (*models.Entity, error) {
	mgr, err := r.entities.ForTenant(tenantID)
	if err != nil {
		return nil, err
	}
	cps, err := mgr.ListByType(ctx, models.KindCheckpoint, entity.ListOptions{AgentID: agentID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, models.ErrNotFound
	}
	return cps[0], nil
}

func (r *Runner) ensureAgent(ctx context.Context, tenantID string, in SpawnInput) (*models.Entity, error) {
	if in.AgentID != "" {
		return r.agents.Get(ctx, tenantID, in.AgentID)
	}
	agentType := in.AgentType
	if agentType == "" {
		agentType = r.cfg.DefaultAgentType
	}
	return r.agents.CreateAgent(ctx, tenantID, services.SpawnAgentInput{
		AgentType:   agentType,
		SpawnSource: in.SpawnSource,
		ProjectID:   in.ProjectID,
		TaskID:      in.TaskID,
	})
}

// execute runs the stream pump loop. The prompt is appended as the next
// message before streaming starts; sessionID resumes an existing runtime
// session when set.
func (r *Runner) execute(ctx context.Context, tenantID, agentID, prompt, sessionID string) error {
	first := &models.AgentMessage{
		AgentID:  agentID,
		TenantID: tenantID,
		Role:     models.RoleUser,
		Type:     models.MessageText,
		Content:  prompt,
	}
	if err := r.appendAndPublish(ctx, first); err != nil {
		r.fail(ctx, tenantID, agentID, fmt.Errorf("persist prompt: %w", err))
		return err
	}
	if err := r.agents.SetStatus(ctx, tenantID, agentID, models.AgentWorking, ""); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// An external cancel (API sweep) lands on the agent's cancel channel and
	// tears the stream down at the next suspension point.
	release, err := r.waiter.WatchAgentCancel(runCtx, agentID, cancelRun)
	if err != nil {
		slog.Warn("Agent cancel watch unavailable", "agent_id", agentID, "error", err)
	} else {
		defer release()
	}

	go r.heartbeatLoop(runCtx, tenantID, agentID)

	stream, err := r.runtime.Stream(runCtx, StreamOptions{
		TenantID:     tenantID,
		AgentID:      agentID,
		Prompt:       prompt,
		SessionID:    sessionID,
		SystemPrompt: r.cfg.SystemPrompt,
		Gate:         r.gate,
	})
	if err != nil {
		r.fail(ctx, tenantID, agentID, err)
		return err
	}
	defer stream.Close()

	tracker := &workflowTracker{}
	currentSession := sessionID
	var lastText string
	var result *ResultMessage

	for {
		msg, err := stream.Next(runCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.fail(ctx, tenantID, agentID, err)
			return err
		}

		if row := formatMessage(msg); row != nil {
			row.AgentID = agentID
			row.TenantID = tenantID
			// Best-effort during streaming: a failed append must not kill
			// the run.
			if err := r.appendAndPublish(runCtx, row); err != nil {
				slog.Error("Failed to persist agent message",
					"agent_id", agentID, "type", row.Type, "error", err)
			}
		}

		switch m := msg.(type) {
		case *AssistantMessage:
			currentSession = r.trackSession(runCtx, tenantID, agentID, currentSession, m.SessionID)
			for _, b := range m.Blocks {
				switch b.Type {
				case BlockText:
					if b.Text != "" {
						lastText = b.Text
					}
				case BlockToolUse:
					tracker.Observe(b.ToolName, b.Input)
					r.enqueueStatusHint(runCtx, tenantID, agentID, b.ToolName, toolPreview(b.ToolName, b.Input))
				}
			}
			if tracker.ShouldRemind() {
				if err := stream.Inject(runCtx, workflowReminder); err != nil {
					slog.Warn("Failed to inject workflow reminder", "agent_id", agentID, "error", err)
				}
			}
		case *ResultMessage:
			result = m
			currentSession = r.trackSession(runCtx, tenantID, agentID, currentSession, m.SessionID)
		}
	}

	if result == nil {
		err := errors.New("runtime stream ended without a result")
		r.fail(ctx, tenantID, agentID, err)
		return err
	}
	if result.IsError {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "agent run failed"
		}
		r.fail(ctx, tenantID, agentID, errors.New(errMsg))
		return fmt.Errorf("agent %s: %s", agentID, errMsg)
	}

	// Checkpoint before the terminal status so resume never sees a completed
	// agent without one.
	if err := r.writeCheckpoint(ctx, tenantID, agentID, currentSession, lastText, result); err != nil {
		r.fail(ctx, tenantID, agentID, fmt.Errorf("write checkpoint: %w", err))
		return err
	}
	return r.agents.SetStatus(ctx, tenantID, agentID, models.AgentCompleted, "")
}

// trackSession persists the runtime session id when it first appears and on
// every change, so resume always re-attaches to the live session.
func (r *Runner) trackSession(ctx context.Context, tenantID, agentID, current, seen string) string {
	if seen == "" || seen == current {
		return current
	}
	if err := r.agents.SetSessionID(ctx, tenantID, agentID, seen); err != nil {
		slog.Error("Failed to persist session id", "agent_id", agentID, "error", err)
	}
	return seen
}

func (r *Runner) appendAndPublish(ctx context.Context, msg *models.AgentMessage) error {
	if err := r.messages.Append(ctx, msg); err != nil {
		return err
	}
	r.publisher.Publish(ctx, msg.TenantID, events.EventAgentMessage, events.AgentMessagePayload{
		AgentID:    msg.AgentID,
		MessageNum: msg.MessageNum,
		Role:       msg.Role,
		Type:       msg.Type,
		Content:    msg.Content,
		Extra:      msg.Extra,
	})
	return nil
}

// enqueueStatusHint fires the background hint job for an observed tool call.
// Failures are logged and ignored.
func (r *Runner) enqueueStatusHint(ctx context.Context, tenantID, agentID, toolName, preview string) {
	if r.jobs == nil {
		return
	}
	_, err := r.jobs.Enqueue(ctx, models.JobGenerateStatusHint, tenantID, models.StatusHintArgs{
		AgentID:  agentID,
		ToolName: toolName,
		Preview:  preview,
	})
	if err != nil {
		slog.Debug("Failed to enqueue status hint", "agent_id", agentID, "error", err)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, tenantID, agentID string) {
	ticker := time.NewTicker(agentHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.agents.Heartbeat(ctx, tenantID, agentID); err != nil {
				slog.Debug("Agent heartbeat failed", "agent_id", agentID, "error", err)
			}
		}
	}
}

// fail settles the agent into failed. It runs on a detached context so a
// cancelled run can still record its terminal status.
func (r *Runner) fail(ctx context.Context, tenantID, agentID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	switch {
	case errors.Is(cause, context.Canceled):
		msg = "Agent cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		msg = "Agent timed out"
	}
	if err := r.agents.SetStatus(ctx, tenantID, agentID, models.AgentFailed, msg); err != nil {
		slog.Error("Failed to mark agent failed", "agent_id", agentID, "error", err)
	}
}

// writeCheckpoint persists the run's closing summary as a checkpoint entity.
func (r *Runner) writeCheckpoint(ctx context.Context, tenantID, agentID, sessionID, summary string, result *ResultMessage) error {
	mgr, err := r.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	if summary == "" {
		summary = "Run completed without a closing summary."
	}
	count, err := r.messages.Count(ctx, agentID)
	if err != nil {
		slog.Warn("Failed to count messages for checkpoint", "agent_id", agentID, "error", err)
	}

	e := &models.Entity{
		ID:      uuid.NewString(),
		Kind:    models.KindCheckpoint,
		Name:    fmt.Sprintf("checkpoint-%s-%s", agentID, time.Now().UTC().Format("20060102-150405")),
		Content: summary,
		Metadata: map[string]any{
			"agent_id":      agentID,
			"message_count": count,
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
			"cost_usd":      result.CostUSD,
		},
	}
	if sessionID != "" {
		e.SetMeta("session_id", sessionID)
	}
	_, err = mgr.CreateDirect(ctx, e, false)
	return err
}

// checkpointPrompt assembles the context-reconstruction prompt for a
// checkpoint resume: the stored summary plus the tail of the durable log.
func (r *Runner) checkpointPrompt(ctx context.Context, cp *models.Entity, agentID, prompt string) string {
	var sb strings.Builder
	sb.WriteString("You are resuming work from a saved checkpoint.\n\nCheckpoint summary:\n")
	sb.WriteString(cp.Content)

	if history := r.recentHistory(ctx, agentID); history != "" {
		sb.WriteString("\n\nRecent conversation:\n")
		sb.WriteString(history)
	}

	sb.WriteString("\n\n")
	if prompt != "" {
		sb.WriteString(prompt)
	} else {
		sb.WriteString("Continue where you left off.")
	}
	return sb.String()
}

func (r *Runner) recentHistory(ctx context.Context, agentID string) string {
	count, err := r.messages.Count(ctx, agentID)
	if err != nil {
		slog.Warn("Failed to load history for resume", "agent_id", agentID, "error", err)
		return ""
	}
	after := count - resumeHistoryLimit
	if after < 0 {
		after = 0
	}
	msgs, err := r.messages.List(ctx, agentID, after, resumeHistoryLimit)
	if err != nil {
		slog.Warn("Failed to load history for resume", "agent_id", agentID, "error", err)
		return ""
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, truncate(m.Content, 200))
	}
	return sb.String()
}
