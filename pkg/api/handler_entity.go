package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// createEntityHandler handles POST /api/v1/entities. `extract` routes the
// write through the extraction path; `async` defers it to a create_entity
// queue job and returns 202.
func (s *Server) createEntityHandler(c *echo.Context) error {
	var req CreateEntityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	ctx := c.Request().Context()
	tenant := tenantID(c)

	if req.Async {
		jobID, err := s.jobs.Enqueue(ctx, models.JobCreateEntity, tenant, models.CreateEntityArgs{
			Entity:  &req.Entity,
			Extract: req.Extract,
		})
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusAccepted, &JobResponse{JobID: jobID})
	}

	mgr, err := s.entities.ForTenant(tenant)
	if err != nil {
		return mapServiceError(err)
	}

	e := &req.Entity
	if req.Extract {
		_, err = mgr.Create(ctx, e)
	} else {
		_, err = mgr.CreateDirect(ctx, e, true)
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

// getEntityHandler handles GET /api/v1/entities/:id.
func (s *Server) getEntityHandler(c *echo.Context) error {
	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	e, err := mgr.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// updateEntityHandler handles PATCH /api/v1/entities/:id with a partial
// update map. Unknown keys land in metadata.
func (s *Server) updateEntityHandler(c *echo.Context) error {
	var updates map[string]any
	if err := c.Bind(&updates); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(updates) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one field is required")
	}

	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	e, err := mgr.Update(c.Request().Context(), c.Param("id"), updates)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// deleteEntityHandler handles DELETE /api/v1/entities/:id. Edges are
// cascade-deleted with the node.
func (s *Server) deleteEntityHandler(c *echo.Context) error {
	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	if err := mgr.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listEntitiesHandler handles GET /api/v1/entities. Without ?kind= the
// listing spans all kinds; with it, kind-specific filters apply.
func (s *Server) listEntitiesHandler(c *echo.Context) error {
	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	ctx := c.Request().Context()

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1..500")
		}
		limit = n
	}

	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset: must be a non-negative integer")
		}
		offset = n
	}
	includeArchived := c.QueryParam("include_archived") == "true"

	kindParam := c.QueryParam("kind")
	if kindParam == "" {
		entities, err := mgr.ListAll(ctx, limit, offset, includeArchived)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, &EntityListResponse{Entities: entities, Count: len(entities)})
	}

	kind := models.EntityKind(kindParam)
	if !kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind: "+kindParam)
	}

	opts := entity.ListOptions{
		Limit:           limit,
		Offset:          offset,
		ProjectID:       c.QueryParam("project_id"),
		EpicID:          c.QueryParam("epic_id"),
		AgentID:         c.QueryParam("agent_id"),
		Status:          c.QueryParam("status"),
		Priority:        c.QueryParam("priority"),
		Complexity:      c.QueryParam("complexity"),
		Feature:         c.QueryParam("feature"),
		IncludeArchived: includeArchived,
	}
	if v := c.QueryParam("tags"); v != "" {
		opts.Tags = strings.Split(v, ",")
	}

	entities, err := mgr.ListByType(ctx, kind, opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &EntityListResponse{Entities: entities, Count: len(entities)})
}

// searchEntitiesHandler handles POST /api/v1/entities/search: hybrid
// fulltext + vector lookup, best-first.
func (s *Server) searchEntitiesHandler(c *echo.Context) error {
	var req SearchEntitiesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	var kinds []models.EntityKind
	for _, k := range req.Kinds {
		kind := models.EntityKind(k)
		if !kind.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid kind: "+k)
		}
		kinds = append(kinds, kind)
	}

	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	results, err := mgr.Search(c.Request().Context(), req.Query, kinds, req.Limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &SearchResponse{Results: results, Count: len(results)})
}
