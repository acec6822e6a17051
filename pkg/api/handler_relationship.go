package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
)

func parseRelationshipKinds(csv string) []models.RelationshipKind {
	if csv == "" {
		return nil
	}
	var kinds []models.RelationshipKind
	for _, k := range strings.Split(csv, ",") {
		kinds = append(kinds, models.ParseRelationshipKind(k))
	}
	return kinds
}

// createRelationshipHandler handles POST /api/v1/relationships. Creation is
// idempotent per (source, target, kind).
func (s *Server) createRelationshipHandler(c *echo.Context) error {
	var req CreateRelationshipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	mgr, err := s.relationships.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}

	rel := &models.Relationship{
		SourceID: req.SourceID,
		TargetID: req.TargetID,
		Kind:     models.RelationshipKind(req.Kind),
		Weight:   req.Weight,
		Metadata: req.Metadata,
	}
	if _, err := mgr.Create(c.Request().Context(), rel); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, rel)
}

// deleteRelationshipHandler handles DELETE /api/v1/relationships/:id.
func (s *Server) deleteRelationshipHandler(c *echo.Context) error {
	mgr, err := s.relationships.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	found, err := mgr.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// listEntityRelationshipsHandler handles GET /api/v1/entities/:id/relationships.
func (s *Server) listEntityRelationshipsHandler(c *echo.Context) error {
	direction := models.DirectionBoth
	if v := c.QueryParam("direction"); v != "" {
		switch models.Direction(v) {
		case models.DirectionOutgoing, models.DirectionIncoming, models.DirectionBoth:
			direction = models.Direction(v)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid direction: must be outgoing, incoming, or both")
		}
	}

	mgr, err := s.relationships.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	rels, err := mgr.GetForEntity(c.Request().Context(), c.Param("id"),
		direction, parseRelationshipKinds(c.QueryParam("kinds")))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &RelationshipListResponse{Relationships: rels, Count: len(rels)})
}

// relatedEntitiesHandler handles GET /api/v1/entities/:id/related: a
// breadth-first walk up to ?max_depth= hops.
func (s *Server) relatedEntitiesHandler(c *echo.Context) error {
	opts := relationship.TraversalOptions{
		Kinds: parseRelationshipKinds(c.QueryParam("kinds")),
	}
	if v := c.QueryParam("max_depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 5 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid max_depth: must be 1..5")
		}
		opts.MaxDepth = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1..200")
		}
		opts.Limit = n
	}

	mgr, err := s.relationships.ForTenant(tenantID(c))
	if err != nil {
		return mapServiceError(err)
	}
	related, err := mgr.GetRelatedEntities(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &RelatedEntitiesResponse{Related: related, Count: len(related)})
}
