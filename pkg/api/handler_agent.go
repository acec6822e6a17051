package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// createAgentHandler handles POST /api/v1/agents. The agent entity is
// created synchronously so the id is returned immediately; the execution
// itself runs as a queue job.
func (s *Server) createAgentHandler(c *echo.Context) error {
	var req CreateAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	ctx := c.Request().Context()
	tenant := tenantID(c)

	agent, err := s.agents.CreateAgent(ctx, tenant, services.SpawnAgentInput{
		AgentType:   req.AgentType,
		SpawnSource: "api",
		ProjectID:   req.ProjectID,
		TaskID:      req.TaskID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	jobID, err := s.jobs.Enqueue(ctx, models.JobRunAgentExecution, tenant, models.RunAgentArgs{
		AgentID:   agent.ID,
		Prompt:    req.Prompt,
		AgentType: req.AgentType,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &SpawnAgentResponse{AgentID: agent.ID, JobID: jobID})
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.agents.Get(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// listAgentMessagesHandler handles GET /api/v1/agents/:id/messages.
// Pagination: ?after= returns messages with message_num > after, ?limit=
// caps the page size.
func (s *Server) listAgentMessagesHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("id")

	// Tenant scoping happens through the agent lookup; the message log
	// itself is keyed by agent id alone.
	if _, err := s.agents.Get(ctx, tenantID(c), agentID); err != nil {
		return mapServiceError(err)
	}

	after := 0
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after: must be a non-negative integer")
		}
		after = n
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1..1000")
		}
		limit = n
	}

	msgs, err := s.messages.List(ctx, agentID, after, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &MessageListResponse{Messages: msgs, Count: len(msgs)})
}

// resumeAgentHandler handles POST /api/v1/agents/:id/resume.
func (s *Server) resumeAgentHandler(c *echo.Context) error {
	var req ResumeAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	ctx := c.Request().Context()
	tenant := tenantID(c)
	agentID := c.Param("id")

	if _, err := s.agents.Get(ctx, tenant, agentID); err != nil {
		return mapServiceError(err)
	}

	jobID, err := s.jobs.Enqueue(ctx, models.JobResumeAgentExecution, tenant, models.ResumeAgentArgs{
		AgentID: agentID,
		Prompt:  req.Message,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &JobResponse{JobID: jobID})
}

// cancelAgentHandler handles POST /api/v1/agents/:id/cancel. Cancellation
// expires pending approvals, publishes denials, and signals the agent's
// cancel channel so the executing pod aborts.
func (s *Server) cancelAgentHandler(c *echo.Context) error {
	var req CancelAgentRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled via API"
	}

	if err := s.agents.Cancel(c.Request().Context(), tenantID(c), c.Param("id"), reason); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
