// Package relationship implements typed directed edges between entities:
// idempotent creation keyed on (source, target, kind), direction-aware
// queries, bounded traversal, and cascade deletion.
package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

const (
	defaultRelatedLimit = 50
	defaultListLimit    = 100
	maxTraversalDepth   = 5
)

// Manager owns edge reads and writes for one tenant's graph.
type Manager struct {
	graph *graph.Handle
}

// NewManager creates a manager bound to one tenant's graph handle.
func NewManager(h *graph.Handle) *Manager {
	return &Manager{graph: h}
}

// TenantID returns the tenant this manager is scoped to.
func (m *Manager) TenantID() string {
	return m.graph.TenantID()
}

// Create persists a typed edge. Edge identity is (source, target, kind): a
// second create of the same triple returns the existing edge id, while an
// edge of a different kind between the same pair coexists. Both endpoints
// must already exist in this tenant's graph.
func (m *Manager) Create(ctx context.Context, rel *models.Relationship) (string, error) {
	if err := m.prepare(rel); err != nil {
		return "", err
	}

	metadata, err := marshalEdgeMetadata(rel.Metadata)
	if err != nil {
		return "", err
	}

	// MERGE against the specific relationship type gives the idempotency: an
	// existing (source, target, kind) edge matches, anything else creates.
	query := fmt.Sprintf(`MATCH (a {id: $source, tenant_id: $tenant}), (b {id: $target, tenant_id: $tenant})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.id = $id, r.tenant_id = $tenant, r.weight = $weight, r.created_at = $created_at, r.metadata = $metadata
RETURN r.id`, rel.Kind)

	res, err := m.graph.Write(ctx, query, map[string]any{
		"source":     rel.SourceID,
		"target":     rel.TargetID,
		"tenant":     m.TenantID(),
		"id":         rel.ID,
		"weight":     rel.Weight,
		"created_at": entity.FormatNodeTime(rel.CreatedAt),
		"metadata":   metadata,
	})
	if err != nil {
		return "", fmt.Errorf("create relationship %s-%s->%s: %w", rel.SourceID, rel.Kind, rel.TargetID, err)
	}
	if res.Empty() {
		// The MATCH found no endpoint pair; at least one side is missing or
		// belongs to another tenant.
		return "", fmt.Errorf("relationship endpoints %s, %s: %w", rel.SourceID, rel.TargetID, models.ErrNotFound)
	}

	id := graph.AsString(res.Rows[0][0])
	rel.ID = id
	return id, nil
}

// CreateBulk persists edges one by one. Individual failures are counted, not
// fatal; only context cancellation aborts the batch.
func (m *Manager) CreateBulk(ctx context.Context, rels []*models.Relationship) (created, failed int, err error) {
	for _, rel := range rels {
		if ctx.Err() != nil {
			return created, failed, ctx.Err()
		}
		if _, cerr := m.Create(ctx, rel); cerr != nil {
			failed++
			slog.Debug("Bulk edge create item failed",
				"tenant_id", m.TenantID(), "source_id", rel.SourceID, "target_id", rel.TargetID, "error", cerr)
			continue
		}
		created++
	}
	return created, failed, nil
}

// prepare validates and normalizes an edge before the write.
func (m *Manager) prepare(rel *models.Relationship) error {
	if rel == nil {
		return models.NewValidationError("relationship", "relationship is required")
	}
	if rel.SourceID == "" {
		return models.NewValidationError("source_id", "source_id is required")
	}
	if rel.TargetID == "" {
		return models.NewValidationError("target_id", "target_id is required")
	}
	if rel.SourceID == rel.TargetID {
		return models.NewValidationError("target_id", "relationship cannot point at its own source")
	}
	if rel.TenantID != "" && rel.TenantID != m.TenantID() {
		return models.NewValidationError("tenant_id",
			fmt.Sprintf("relationship tenant %q does not match manager tenant %q", rel.TenantID, m.TenantID()))
	}
	rel.TenantID = m.TenantID()
	rel.Kind = models.ParseRelationshipKind(string(rel.Kind))
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.Weight == 0 {
		rel.Weight = 1.0
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	return nil
}

// GetForEntity returns edges incident to the entity, narrowed by direction
// and optionally by kind. Transient read failures degrade to an empty list.
func (m *Manager) GetForEntity(ctx context.Context, entityID string, direction models.Direction, kinds []models.RelationshipKind) ([]*models.Relationship, error) {
	if entityID == "" {
		return nil, models.NewValidationError("entity_id", "entity_id is required")
	}

	var pattern string
	switch direction {
	case models.DirectionOutgoing:
		pattern = "(e {id: $id, tenant_id: $tenant})-[r]->(o)"
	case models.DirectionIncoming:
		pattern = "(o)-[r]->(e {id: $id, tenant_id: $tenant})"
	case models.DirectionBoth, "":
		pattern = "(e {id: $id, tenant_id: $tenant})-[r]-(o)"
	default:
		return nil, models.NewValidationError("direction", fmt.Sprintf("unknown direction %q", direction))
	}

	params := map[string]any{"id": entityID, "tenant": m.TenantID()}
	where := ""
	if len(kinds) > 0 {
		params["kinds"] = kindStrings(kinds)
		where = " WHERE type(r) IN $kinds"
	}

	query := fmt.Sprintf("MATCH %s%s RETURN %s ORDER BY r.created_at ASC",
		pattern, where, edgeReturn)
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return m.degradeRead(err, "list edges for entity", entityID)
	}
	return scanEdges(res), nil
}

// TraversalOptions narrows a GetRelatedEntities call. Zero values mean the
// defaults: depth 1, limit 50, all kinds.
type TraversalOptions struct {
	Kinds    []models.RelationshipKind
	MaxDepth int
	Limit    int
}

// GetRelatedEntities walks outward from the entity breadth-first up to
// MaxDepth hops, following edges in both directions, and returns each newly
// reached entity paired with the edge that first reached it. Transient read
// failures degrade to whatever was collected so far.
func (m *Manager) GetRelatedEntities(ctx context.Context, entityID string, opts TraversalOptions) ([]models.RelatedEntity, error) {
	if entityID == "" {
		return nil, models.NewValidationError("entity_id", "entity_id is required")
	}
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultRelatedLimit
	}

	visited := map[string]bool{entityID: true}
	frontier := []string{entityID}
	out := make([]models.RelatedEntity, 0, limit)

	for hop := 0; hop < depth && len(frontier) > 0 && len(out) < limit; hop++ {
		next, err := m.expand(ctx, frontier, opts.Kinds, limit-len(out), visited)
		if err != nil {
			if errors.Is(err, models.ErrTransient) {
				slog.Warn("Traversal degraded on transient failure",
					"tenant_id", m.TenantID(), "entity_id", entityID, "hop", hop, "error", err)
				return out, nil
			}
			return nil, err
		}
		frontier = frontier[:0]
		for _, re := range next {
			out = append(out, re)
			frontier = append(frontier, re.Entity.ID)
		}
	}
	return out, nil
}

// expand runs one BFS hop: all unvisited neighbours of the frontier ids.
func (m *Manager) expand(ctx context.Context, frontier []string, kinds []models.RelationshipKind, limit int, visited map[string]bool) ([]models.RelatedEntity, error) {
	params := map[string]any{"ids": frontier, "tenant": m.TenantID()}
	conds := []string{"o.tenant_id = $tenant"}
	if len(kinds) > 0 {
		params["kinds"] = kindStrings(kinds)
		conds = append(conds, "type(r) IN $kinds")
	}

	query := fmt.Sprintf(
		"MATCH (e {tenant_id: $tenant})-[r]-(o) WHERE e.id IN $ids AND %s RETURN %s, %s LIMIT %d",
		strings.Join(conds, " AND "), edgeReturn, entity.ReturnColumns("o"), limit+len(visited))
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	out := make([]models.RelatedEntity, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < edgeColumnCount+entity.ColumnCount {
			continue
		}
		rel := scanEdge(row)
		e := entity.ScanRow(row[edgeColumnCount:])
		if rel == nil || e == nil || visited[e.ID] {
			continue
		}
		visited[e.ID] = true
		out = append(out, models.RelatedEntity{Entity: e, Via: rel})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Delete removes the edge with the given id. The boolean reports whether an
// edge was actually removed.
func (m *Manager) Delete(ctx context.Context, relID string) (bool, error) {
	if relID == "" {
		return false, models.NewValidationError("id", "id is required")
	}
	res, err := m.graph.Write(ctx, "MATCH ()-[r {id: $id, tenant_id: $tenant}]->() DELETE r",
		map[string]any{"id": relID, "tenant": m.TenantID()})
	if err != nil {
		return false, fmt.Errorf("delete relationship %s: %w", relID, err)
	}
	n, ok := res.Stat("Relationships deleted")
	return ok && n != "0", nil
}

// DeleteForEntity cascade-removes every edge incident to the entity and
// returns how many were removed.
func (m *Manager) DeleteForEntity(ctx context.Context, entityID string) (int, error) {
	if entityID == "" {
		return 0, models.NewValidationError("entity_id", "entity_id is required")
	}
	res, err := m.graph.Write(ctx, "MATCH (e {id: $id, tenant_id: $tenant})-[r]-() DELETE r",
		map[string]any{"id": entityID, "tenant": m.TenantID()})
	if err != nil {
		return 0, fmt.Errorf("delete relationships for entity %s: %w", entityID, err)
	}
	n, _ := res.Stat("Relationships deleted")
	return int(graph.AsInt64(n)), nil
}

// ListAll returns the tenant's edges flat, newest first, optionally narrowed
// by kind. Transient read failures degrade to an empty list.
func (m *Manager) ListAll(ctx context.Context, kinds []models.RelationshipKind, limit int) ([]*models.Relationship, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	params := map[string]any{"tenant": m.TenantID()}
	where := "r.tenant_id = $tenant"
	if len(kinds) > 0 {
		params["kinds"] = kindStrings(kinds)
		where += " AND type(r) IN $kinds"
	}
	query := fmt.Sprintf("MATCH ()-[r]->() WHERE %s RETURN %s ORDER BY r.created_at DESC LIMIT %d",
		where, edgeReturn, limit)
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return m.degradeRead(err, "list edges", "")
	}
	return scanEdges(res), nil
}

// degradeRead turns a transient read failure into an empty result. Fatal
// failures (the server rejected the query) still surface.
func (m *Manager) degradeRead(err error, op, entityID string) ([]*models.Relationship, error) {
	if errors.Is(err, models.ErrTransient) {
		slog.Warn("Edge read degraded on transient failure",
			"tenant_id", m.TenantID(), "op", op, "entity_id", entityID, "error", err)
		return []*models.Relationship{}, nil
	}
	return nil, err
}

func kindStrings(kinds []models.RelationshipKind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// edgeReturn is the canonical scalar projection for an edge; rows scan
// positionally like entity rows do.
const (
	edgeReturn      = "r.id, type(r), startNode(r).id, endNode(r).id, r.weight, r.tenant_id, r.created_at, r.metadata"
	edgeColumnCount = 8
)

// scanEdge converts one canonical edge row into a relationship.
func scanEdge(row []any) *models.Relationship {
	if len(row) < edgeColumnCount {
		return nil
	}
	rel := &models.Relationship{
		ID:        graph.AsString(row[0]),
		Kind:      models.ParseRelationshipKind(graph.AsString(row[1])),
		SourceID:  graph.AsString(row[2]),
		TargetID:  graph.AsString(row[3]),
		Weight:    graph.AsFloat64(row[4]),
		TenantID:  graph.AsString(row[5]),
		CreatedAt: entity.ParseNodeTime(graph.AsString(row[6])),
	}
	if meta := graph.AsString(row[7]); meta != "" && meta != "{}" {
		var mm map[string]any
		if err := json.Unmarshal([]byte(meta), &mm); err == nil {
			rel.Metadata = mm
		}
	}
	return rel
}

func scanEdges(res *graph.Result) []*models.Relationship {
	out := make([]*models.Relationship, 0, len(res.Rows))
	for _, row := range res.Rows {
		if rel := scanEdge(row); rel != nil {
			out = append(out, rel)
		}
	}
	return out
}

func marshalEdgeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("serialize edge metadata: %w", err)
	}
	return string(data), nil
}
