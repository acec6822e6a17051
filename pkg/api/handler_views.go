package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// projectSummaryHandler handles GET /api/v1/projects/:id/summary. The
// actionable_limit, critical_limit, and epic_limit params size each section
// of the snapshot; each defaults to 5.
func (s *Server) projectSummaryHandler(c *echo.Context) error {
	actionable, err := sectionLimit(c, "actionable_limit")
	if err != nil {
		return err
	}
	critical, err := sectionLimit(c, "critical_limit")
	if err != nil {
		return err
	}
	epics, err := sectionLimit(c, "epic_limit")
	if err != nil {
		return err
	}

	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	summary, err := mgr.GetProjectSummary(c.Request().Context(), c.Param("id"), actionable, critical, epics)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// sectionLimit parses an optional positive-integer query param; zero means
// "use the default".
func sectionLimit(c *echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 100 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": must be 1..100")
	}
	return n, nil
}

// epicProgressHandler handles GET /api/v1/epics/:id/progress.
func (s *Server) epicProgressHandler(c *echo.Context) error {
	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	progress, err := mgr.GetEpicProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

// epicTasksHandler handles GET /api/v1/epics/:id/tasks. Accepts an optional
// ?status= filter and ?limit= cap.
func (s *Server) epicTasksHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1..500")
		}
		limit = n
	}

	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	tasks, err := mgr.GetTasksForEpic(c.Request().Context(), c.Param("id"), c.QueryParam("status"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &EntityListResponse{Entities: tasks, Count: len(tasks)})
}

// backfillEdgesHandler handles POST /api/v1/entities/backfill-edges: repairs
// missing BELONGS_TO edges and project_id properties for the tenant.
func (s *Server) backfillEdgesHandler(c *echo.Context) error {
	mgr, err := s.entities.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	edges, props, err := mgr.BackfillProjectEdges(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &BackfillResponse{EdgesCreated: edges, PropsRepaired: props})
}
