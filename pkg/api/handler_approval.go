package api

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// respondApprovalHandler handles POST /api/v1/approvals/:id/respond.
//
// The entity transition runs first: a response that arrives after the wait
// expired (or after another responder settled it) hits a terminal state and
// bounces with 422 before anything reaches the wire. Only a winning
// transition publishes onto the approval's response channel, so the blocked
// worker sees exactly one decision. The one exception is a retry of the
// winning response itself: if the stored status already matches the
// requested one, the transition is skipped and the decision is re-published,
// so a caller whose publish failed mid-request can safely try again.
func (s *Server) respondApprovalHandler(c *echo.Context) error {
	var req RespondApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}

	ctx := c.Request().Context()
	tenant := tenantID(c)
	approvalID := c.Param("id")

	to := models.ApprovalDenied
	if *req.Approved {
		to = models.ApprovalApproved
	}
	if err := s.approvals.Transition(ctx, tenant, approvalID, to, req.By, req.Message); err != nil {
		if !errors.Is(err, models.ErrTransitionForbidden) {
			return mapServiceError(err)
		}
		e, getErr := s.approvals.Get(ctx, tenant, approvalID)
		if getErr != nil || e.MetaString("status") != string(to) {
			return mapServiceError(err)
		}
	}

	response := &models.ApprovalResponse{
		ApprovalID:  approvalID,
		Approved:    *req.Approved,
		By:          req.By,
		Message:     req.Message,
		RespondedAt: time.Now().UTC(),
	}

	// The worker is blocked on this channel; a failed publish must surface
	// so the caller can retry.
	if err := s.publisher.PublishTo(ctx, tenant,
		events.ApprovalChannel(approvalID), events.EventApprovalResponse, response); err != nil {
		return mapServiceError(err)
	}

	// Tenant feed copy is best-effort.
	s.publisher.Publish(ctx, tenant, events.EventApprovalResponse, response)

	return c.JSON(http.StatusOK, map[string]string{"status": string(to)})
}

// respondQuestionHandler handles POST /api/v1/questions/:id/respond.
// Questions are approval entities of kind user_question; answering one
// settles it as approved.
func (s *Server) respondQuestionHandler(c *echo.Context) error {
	var req RespondQuestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers are required")
	}

	ctx := c.Request().Context()
	tenant := tenantID(c)
	questionID := c.Param("id")

	if err := s.approvals.Transition(ctx, tenant, questionID,
		models.ApprovalApproved, req.By, "answered"); err != nil {
		return mapServiceError(err)
	}

	response := &models.QuestionResponse{
		QuestionID:  questionID,
		Answers:     req.Answers,
		By:          req.By,
		RespondedAt: time.Now().UTC(),
	}

	if err := s.publisher.PublishTo(ctx, tenant,
		events.QuestionChannel(questionID), events.EventQuestionResponse, response); err != nil {
		return mapServiceError(err)
	}

	s.publisher.Publish(ctx, tenant, events.EventQuestionResponse, response)

	return c.JSON(http.StatusOK, map[string]string{"status": "answered"})
}
