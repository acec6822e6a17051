package approval

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/masking"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// EventPublisher is the publishing surface the service needs: tenant-feed
// broadcasts plus targeted publishes onto per-approval response channels.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, data any)
	PublishTo(ctx context.Context, tenantID, channel, event string, data any) error
}

// Notifier delivers an out-of-band heads-up for each approval request.
// Nil-safe: a nil Notifier disables notifications.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, input events.ApprovalRequestPayload)
}

// Service is the tool gate. Decide runs the matcher chain against each tool
// call; matched calls persist an approval entity, suspend the worker on the
// approval's response channel, and resolve to allow/deny/intercept from the
// human response (or the timeout).
type Service struct {
	entities  *entity.Factory
	agents    *services.AgentService
	messages  *services.MessageService
	publisher EventPublisher
	waiter    *events.Waiter
	masker    *masking.Service
	notifier  Notifier
	matchers  []Matcher
	cfg       config.ApprovalConfig
}

// NewService builds the gate with the given matcher chain. Matchers run in
// order; the first match wins.
func NewService(
	entities *entity.Factory,
	agents *services.AgentService,
	messages *services.MessageService,
	publisher EventPublisher,
	waiter *events.Waiter,
	masker *masking.Service,
	matchers []Matcher,
	cfg config.ApprovalConfig,
) *Service {
	return &Service{
		entities:  entities,
		agents:    agents,
		messages:  messages,
		publisher: publisher,
		waiter:    waiter,
		masker:    masker,
		matchers:  matchers,
		cfg:       cfg,
	}
}

// SetNotifier attaches an optional out-of-band notifier (e.g. Slack).
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Decide implements the runtime's tool gate. Unmatched calls are allowed
// without any side effects.
func (s *Service) Decide(ctx context.Context, call models.ToolCall) models.Decision {
	var match *Match
	for _, m := range s.matchers {
		if hit := m.Match(call); hit != nil {
			match = hit
			break
		}
	}
	if match == nil {
		return models.Decision{Behavior: models.DecisionAllow}
	}

	if match.Intercept {
		return s.askQuestion(ctx, call, match)
	}
	return s.requestApproval(ctx, call, match)
}

// requestApproval runs the gate lifecycle for a blocking approval. The
// ordering is structural: persist the entity, subscribe on the response
// channel, then publish the request. Subscribing after publishing would
// lose any response racing the request broadcast.
func (s *Service) requestApproval(ctx context.Context, call models.ToolCall, match *Match) models.Decision {
	approvalID := requestID("approval", call.AgentID, call.Name)
	log := slog.With("approval_id", approvalID, "agent_id", call.AgentID, "tool", call.Name)

	expiresAt := time.Now().UTC().Add(s.cfg.ExpiryWindow)
	payload, err := s.persistRequest(ctx, call, match, approvalID, expiresAt)
	if err != nil {
		log.Error("Failed to persist approval entity, denying tool call", "error", err)
		return models.Decision{Behavior: models.DecisionDeny, Reason: "approval system unavailable"}
	}

	wait, err := s.waiter.WaitForApprovalResponse(ctx, approvalID, s.cfg.WaitTimeout)
	if err != nil {
		log.Error("Failed to subscribe for approval response, denying tool call", "error", err)
		s.resolve(ctx, call.TenantID, approvalID, models.ApprovalExpired, "", "subscription failed")
		return models.Decision{Behavior: models.DecisionDeny, Reason: "approval system unavailable"}
	}
	defer wait.Release()

	s.announce(ctx, call, models.AgentWaitingApproval, payload,
		fmt.Sprintf("Approval required: %s", payload.Title))

	resp, err := wait.Wait(ctx)
	decision := s.settle(ctx, call, approvalID, resp, err, log)

	if err := s.agents.SetStatus(ctx, call.TenantID, call.AgentID, models.AgentWorking, ""); err != nil {
		log.Warn("Failed to return agent to working after approval", "error", err)
	}
	return decision
}

// settle maps the wait outcome onto the approval entity's terminal state and
// the gate decision.
func (s *Service) settle(ctx context.Context, call models.ToolCall, approvalID string, resp *models.ApprovalResponse, waitErr error, log *slog.Logger) models.Decision {
	switch {
	case waitErr == nil:
		status := models.ApprovalDenied
		if resp.Approved {
			status = models.ApprovalApproved
		}
		s.resolve(ctx, call.TenantID, approvalID, status, resp.By, resp.Message)
		if resp.Approved {
			log.Info("Tool call approved", "by", resp.By)
			return models.Decision{Behavior: models.DecisionAllow}
		}
		reason := resp.Message
		if reason == "" {
			reason = "denied by reviewer"
		}
		log.Info("Tool call denied", "by", resp.By, "reason", reason)
		return models.Decision{Behavior: models.DecisionDeny, Reason: reason}

	case errors.Is(waitErr, events.ErrWaitTimeout):
		log.Warn("Approval request timed out")
		s.resolve(ctx, call.TenantID, approvalID, models.ApprovalExpired, "", "Approval request timed out")
		return models.Decision{Behavior: models.DecisionDeny, Reason: "Approval request timed out"}

	default:
		// Context cancellation. Mark cancelled and publish a denial onto the
		// response channel so a racing human response cannot release the tool.
		log.Info("Approval wait cancelled", "error", waitErr)
		s.resolve(ctx, call.TenantID, approvalID, models.ApprovalCancelled, "", "agent cancelled")
		denial := models.ApprovalResponse{
			ApprovalID:  approvalID,
			Approved:    false,
			Message:     "agent cancelled",
			RespondedAt: time.Now().UTC(),
		}
		if err := s.publisher.PublishTo(context.WithoutCancel(ctx), call.TenantID,
			events.ApprovalChannel(approvalID), events.EventApprovalResponse, denial); err != nil {
			log.Warn("Failed to publish cancellation denial", "error", err)
		}
		return models.Decision{Behavior: models.DecisionDeny, Reason: "agent cancelled"}
	}
}

// askQuestion handles the intercepted user-question tool: the tool never
// runs, the human's answers come back as the tool result.
func (s *Service) askQuestion(ctx context.Context, call models.ToolCall, match *Match) models.Decision {
	questionID := requestID("question", call.AgentID, call.Name)
	log := slog.With("question_id", questionID, "agent_id", call.AgentID)

	expiresAt := time.Now().UTC().Add(s.cfg.QuestionExpiryWindow)
	payload, err := s.persistRequest(ctx, call, match, questionID, expiresAt)
	if err != nil {
		log.Error("Failed to persist question entity", "error", err)
		return models.Decision{Behavior: models.DecisionDeny, Reason: "approval system unavailable"}
	}

	wait, err := s.waiter.WaitForQuestionResponse(ctx, questionID, s.cfg.QuestionTimeout)
	if err != nil {
		log.Error("Failed to subscribe for question response", "error", err)
		s.resolve(ctx, call.TenantID, questionID, models.ApprovalExpired, "", "subscription failed")
		return models.Decision{Behavior: models.DecisionDeny, Reason: "approval system unavailable"}
	}
	defer wait.Release()

	s.announce(ctx, call, models.AgentWaitingInput, payload,
		fmt.Sprintf("Question for you: %s", payload.Title))

	resp, err := wait.Wait(ctx)
	decision := s.settleQuestion(ctx, call, questionID, resp, err, log)

	if err := s.agents.SetStatus(ctx, call.TenantID, call.AgentID, models.AgentWorking, ""); err != nil {
		log.Warn("Failed to return agent to working after question", "error", err)
	}
	return decision
}

func (s *Service) settleQuestion(ctx context.Context, call models.ToolCall, questionID string, resp *models.QuestionResponse, waitErr error, log *slog.Logger) models.Decision {
	switch {
	case waitErr == nil:
		s.resolve(ctx, call.TenantID, questionID, models.ApprovalApproved, resp.By, "")
		log.Info("Question answered", "by", resp.By, "answers", len(resp.Answers))
		return models.Decision{
			Behavior: models.DecisionIntercept,
			Result:   formatAnswers(resp.Answers),
		}

	case errors.Is(waitErr, events.ErrWaitTimeout):
		log.Warn("Question timed out")
		s.resolve(ctx, call.TenantID, questionID, models.ApprovalExpired, "", "Approval request timed out")
		return models.Decision{Behavior: models.DecisionDeny, Reason: "Approval request timed out"}

	default:
		log.Info("Question wait cancelled", "error", waitErr)
		s.resolve(ctx, call.TenantID, questionID, models.ApprovalCancelled, "", "agent cancelled")
		return models.Decision{Behavior: models.DecisionDeny, Reason: "agent cancelled"}
	}
}

// persistRequest writes the approval entity and builds the (masked) request
// payload from it. Everything that can reach a human goes through the masker
// here, exactly once.
func (s *Service) persistRequest(ctx context.Context, call models.ToolCall, match *Match, id string, expiresAt time.Time) (events.ApprovalRequestPayload, error) {
	mgr, err := s.entities.ForTenant(call.TenantID)
	if err != nil {
		return events.ApprovalRequestPayload{}, err
	}

	title := s.masker.MaskString(match.Title)
	summary := s.masker.MaskString(match.Summary)
	preview := s.masker.MaskString(match.Preview)

	e := &models.Entity{
		ID:          id,
		Kind:        models.KindApproval,
		Name:        title,
		Description: summary,
		Metadata: map[string]any{
			"status":        string(models.ApprovalPending),
			"approval_type": match.Kind,
			"agent_id":      call.AgentID,
			"tool_name":     call.Name,
			"preview":       preview,
			"sensitive":     match.Sensitive,
			"expires_at":    expiresAt.Format(time.RFC3339),
		},
	}
	if _, err := mgr.CreateDirect(ctx, e, false); err != nil {
		return events.ApprovalRequestPayload{}, err
	}

	return events.ApprovalRequestPayload{
		ApprovalID: id,
		AgentID:    call.AgentID,
		Kind:       match.Kind,
		ToolName:   call.Name,
		Title:      title,
		Summary:    summary,
		Preview:    preview,
		Sensitive:  match.Sensitive,
		ExpiresAt:  expiresAt.Format(time.RFC3339),
	}, nil
}

// announce moves the agent into its waiting status, appends a system message
// so the pending request survives UI reloads, publishes the request onto the
// tenant feed, and pings the notifier. All best-effort: the wait proceeds
// even if a broadcast is lost, the entity row is the source of truth.
func (s *Service) announce(ctx context.Context, call models.ToolCall, waiting models.AgentStatus, payload events.ApprovalRequestPayload, content string) {
	if err := s.agents.SetStatus(ctx, call.TenantID, call.AgentID, waiting, ""); err != nil {
		slog.Warn("Failed to set agent waiting status",
			"agent_id", call.AgentID, "status", waiting, "error", err)
	}

	msg := &models.AgentMessage{
		AgentID:  call.AgentID,
		TenantID: call.TenantID,
		Role:     models.RoleSystem,
		Type:     models.MessageText,
		Content:  content,
		Extra: map[string]any{
			"approval_id":        payload.ApprovalID,
			"kind":               payload.Kind,
			models.ExtraToolName: payload.ToolName,
		},
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		slog.Warn("Failed to append approval system message",
			"agent_id", call.AgentID, "error", err)
	} else {
		s.publisher.Publish(ctx, call.TenantID, events.EventAgentMessage, events.AgentMessagePayload{
			AgentID:    msg.AgentID,
			MessageNum: msg.MessageNum,
			Role:       msg.Role,
			Type:       msg.Type,
			Content:    msg.Content,
			Extra:      msg.Extra,
		})
	}

	s.publisher.Publish(ctx, call.TenantID, events.EventApprovalRequest, payload)

	if s.notifier != nil {
		s.notifier.NotifyApprovalRequested(ctx, payload)
	}
}

// resolve moves the approval entity to a terminal status. A transition
// rejection means someone else (cancel sweep, responder) already settled it;
// that is fine, the published response is what the waiter consumed.
func (s *Service) resolve(ctx context.Context, tenantID, approvalID string, to models.ApprovalStatus, by, message string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Transition(ctx, tenantID, approvalID, to, by, message); err != nil {
		if errors.Is(err, models.ErrTransitionForbidden) {
			slog.Debug("Approval already settled", "approval_id", approvalID, "to", to)
			return
		}
		slog.Error("Failed to settle approval entity",
			"approval_id", approvalID, "to", to, "error", err)
	}
}

// Transition applies one approval state-machine move to the entity. Terminal
// states are final; anything but pending → terminal returns
// ErrTransitionForbidden. The API responder uses this before publishing a
// human response so late responses bounce off settled approvals.
func (s *Service) Transition(ctx context.Context, tenantID, approvalID string, to models.ApprovalStatus, by, message string) error {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	e, err := mgr.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if e.Kind != models.KindApproval {
		return models.ErrNotFound
	}

	from := models.ApprovalStatus(e.MetaString("status"))
	if !models.ValidApprovalTransition(from, to) {
		return fmt.Errorf("approval %s: %s → %s: %w", approvalID, from, to, models.ErrTransitionForbidden)
	}

	updates := map[string]any{
		"status":       string(to),
		"responded_at": time.Now().UTC().Format(time.RFC3339),
	}
	if by != "" {
		updates["response_by"] = by
	}
	if message != "" {
		updates["response_message"] = message
	}
	_, err = mgr.Update(ctx, approvalID, updates)
	return err
}

// Get returns the approval entity, or ErrNotFound when the id resolves to a
// different kind.
func (s *Service) Get(ctx context.Context, tenantID, approvalID string) (*models.Entity, error) {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return nil, err
	}
	e, err := mgr.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if e.Kind != models.KindApproval {
		return nil, models.ErrNotFound
	}
	return e, nil
}

// requestID builds "prefix_" + the first 12 hex digits of
// sha256(agent_id|tool_name|unixnano). Deterministic inputs plus the clock
// keep ids short, unique enough, and greppable back to their agent.
func requestID(prefix, agentID, toolName string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", agentID, toolName, time.Now().UnixNano()))
	return fmt.Sprintf("%s_%x", prefix, sum[:6])
}

// formatAnswers renders question answers as the intercepted tool's result.
func formatAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return "The user acknowledged the question but gave no answers."
	}
	questions := make([]string, 0, len(answers))
	for q := range answers {
		questions = append(questions, q)
	}
	sort.Strings(questions)

	out := "The user answered:\n"
	for _, q := range questions {
		out += fmt.Sprintf("- %s: %s\n", q, answers[q])
	}
	return out
}
