package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// crawlSourceHandler handles POST /api/v1/sources/:id/crawl: a full crawl of
// the source, re-fetching every page.
func (s *Server) crawlSourceHandler(c *echo.Context) error {
	return s.enqueueCrawl(c, models.JobCrawlSource)
}

// syncSourceHandler handles POST /api/v1/sources/:id/sync: an incremental
// crawl skipping pages whose content hash is unchanged.
func (s *Server) syncSourceHandler(c *echo.Context) error {
	return s.enqueueCrawl(c, models.JobSyncSource)
}

func (s *Server) enqueueCrawl(c *echo.Context, kind string) error {
	ctx := c.Request().Context()
	tenant := tenantID(c)
	sourceID := c.Param("id")

	mgr, err := s.entities.ForTenant(tenant)
	if err != nil {
		return mapServiceError(err)
	}
	e, err := mgr.Get(ctx, sourceID)
	if err != nil {
		return mapServiceError(err)
	}
	if e.Kind != models.KindSource {
		return echo.NewHTTPError(http.StatusBadRequest, "entity is not a source")
	}

	jobID, err := s.jobs.Enqueue(ctx, kind, tenant, models.CrawlSourceArgs{SourceID: sourceID})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &JobResponse{JobID: jobID})
}
