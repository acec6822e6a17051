package entity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

const (
	defaultSearchLimit  = 10
	defaultListLimit    = 50
	defaultListAllLimit = 100
	summaryLimit        = 5

	// listFetchCap bounds how many rows a list query pulls when metadata-only
	// filters must run in memory.
	listFetchCap = 500
)

// ListOptions narrows a ListByType call. Zero values mean "no filter".
// Complexity and Tags live only in metadata, so they are applied in memory
// after the graph query; everything else filters inside the query.
type ListOptions struct {
	Limit           int
	Offset          int
	ProjectID       string
	EpicID          string
	AgentID         string
	Status          string
	Priority        string
	Complexity      string
	Feature         string
	Tags            []string
	IncludeArchived bool
}

// Search runs the hybrid lookup: fulltext over entity and episodic indexes
// plus a cosine pass over name embeddings when an embedder is configured,
// fused with reciprocal rank fusion. Results come back best-first.
func (m *Manager) Search(ctx context.Context, query string, kinds []models.EntityKind, limit int) ([]models.ScoredEntity, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	sanitized := SanitizeSearchQuery(query)
	if sanitized == "" {
		return []models.ScoredEntity{}, nil
	}
	if err := m.graph.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	// Over-fetch per source so fusion has overlap to work with.
	candidateK := limit * 2
	if candidateK < 20 {
		candidateK = 20
	}

	byID := make(map[string]*models.Entity)
	var lists [][]string

	for _, index := range []string{"Entity", "Episodic"} {
		ids, err := m.fulltextCandidates(ctx, index, sanitized, kinds, candidateK, byID)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			lists = append(lists, ids)
		}
	}

	if m.embedder != nil && m.embedder.Enabled() {
		vec, err := m.embedder.Embed(ctx, query)
		switch {
		case err != nil:
			slog.Warn("Query embedding failed, search degrades to fulltext only",
				"tenant_id", m.TenantID(), "error", err)
		case len(vec) > 0:
			ids, verr := m.vectorCandidates(ctx, vec, kinds, candidateK, byID)
			if verr != nil {
				slog.Warn("Vector search failed, search degrades to fulltext only",
					"tenant_id", m.TenantID(), "error", verr)
			} else if len(ids) > 0 {
				lists = append(lists, ids)
			}
		}
	}

	fused := fuseRanked(lists...)
	out := make([]models.ScoredEntity, 0, limit)
	for _, hit := range fused {
		e := byID[hit.id]
		if e == nil {
			continue
		}
		out = append(out, models.ScoredEntity{Entity: e, Score: hit.score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fulltextCandidates returns node ids from one fulltext index, best-first.
// Fulltext scores rank higher-is-better.
func (m *Manager) fulltextCandidates(ctx context.Context, index, q string, kinds []models.EntityKind, k int, byID map[string]*models.Entity) ([]string, error) {
	params := map[string]any{"q": q, "tenant": m.TenantID()}
	where := "node.tenant_id = $tenant"
	if len(kinds) > 0 {
		params["kinds"] = kindStrings(kinds)
		where += " AND node.entity_type IN $kinds"
	}
	query := fmt.Sprintf(
		"CALL db.idx.fulltext.queryNodes('%s', $q) YIELD node, score WHERE %s RETURN %s, score ORDER BY score DESC LIMIT %d",
		index, where, ReturnColumns("node"), k)
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("fulltext search on %s: %w", index, err)
	}
	return collectCandidates(res, byID), nil
}

// vectorCandidates returns node ids by embedding distance, best-first.
// The score yielded by the vector index is a distance, so ascending order
// puts the closest nodes first.
func (m *Manager) vectorCandidates(ctx context.Context, vec []float32, kinds []models.EntityKind, k int, byID map[string]*models.Entity) ([]string, error) {
	params := map[string]any{"vec": vec, "tenant": m.TenantID()}
	where := "node.tenant_id = $tenant"
	if len(kinds) > 0 {
		params["kinds"] = kindStrings(kinds)
		where += " AND node.entity_type IN $kinds"
	}
	query := fmt.Sprintf(
		"CALL db.idx.vector.queryNodes('Entity', 'name_embedding', %d, $vec) YIELD node, score WHERE %s RETURN %s, score ORDER BY score ASC",
		k, where, ReturnColumns("node"))
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return collectCandidates(res, byID), nil
}

func kindStrings(kinds []models.EntityKind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// collectCandidates scans candidate rows into the shared entity map and
// returns the ids in arrival order, which is the source's ranking.
func collectCandidates(res *graph.Result, byID map[string]*models.Entity) []string {
	ids := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		e := ScanRow(row)
		if e == nil {
			continue
		}
		if _, seen := byID[e.ID]; !seen {
			byID[e.ID] = e
		}
		ids = append(ids, e.ID)
	}
	return ids
}

// ListByType returns entities of one kind, newest first, narrowed by the
// options. Episodes live under their own label; every other kind is a
// regular entity node.
func (m *Manager) ListByType(ctx context.Context, kind models.EntityKind, opts ListOptions) ([]*models.Entity, error) {
	if !kind.Valid() {
		return nil, models.NewValidationError("kind", fmt.Sprintf("unknown entity kind %q", kind))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	label := "Entity"
	if kind == models.KindEpisode {
		label = "Episodic"
	}

	params := map[string]any{"tenant": m.TenantID(), "kind": string(kind)}
	conds := []string{"e.tenant_id = $tenant", "e.entity_type = $kind"}

	if opts.ProjectID != "" {
		params["project_id"] = opts.ProjectID
		conds = append(conds, "(e.project_id = $project_id OR (e)-[:BELONGS_TO]->(:Entity {id: $project_id}))")
	}
	if opts.EpicID != "" {
		params["epic_id"] = opts.EpicID
		conds = append(conds, "(e.epic_id = $epic_id OR (e)-[:BELONGS_TO]->(:Entity {id: $epic_id}))")
	}
	if opts.AgentID != "" {
		params["agent_id"] = opts.AgentID
		conds = append(conds, "e.agent_id = $agent_id")
	}
	switch {
	case opts.Status != "":
		params["status"] = opts.Status
		conds = append(conds, "e.status = $status")
	case !opts.IncludeArchived:
		conds = append(conds, "(e.status IS NULL OR e.status <> 'archived')")
	}
	if opts.Priority != "" {
		params["priority"] = opts.Priority
		conds = append(conds, "e.priority = $priority")
	}
	if opts.Feature != "" {
		params["feature"] = opts.Feature
		conds = append(conds, "e.feature = $feature")
	}

	needsPost := opts.Complexity != "" || len(opts.Tags) > 0

	query := fmt.Sprintf("MATCH (e:%s) WHERE %s RETURN %s ORDER BY e.created_at DESC",
		label, strings.Join(conds, " AND "), ReturnColumns("e"))
	if needsPost {
		query += fmt.Sprintf(" LIMIT %d", listFetchCap)
	} else {
		query += fmt.Sprintf(" SKIP %d LIMIT %d", offset, limit)
	}

	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", kind, err)
	}
	entities := scanEntities(res)

	if needsPost {
		filtered := entities[:0]
		for _, e := range entities {
			if matchesPostFilters(e, opts) {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
		if offset >= len(entities) {
			return []*models.Entity{}, nil
		}
		entities = entities[offset:]
		if len(entities) > limit {
			entities = entities[:limit]
		}
	}
	return entities, nil
}

// matchesPostFilters applies the metadata-only filters. Tags is an
// any-of match: one shared tag is enough.
func matchesPostFilters(e *models.Entity, opts ListOptions) bool {
	if opts.Complexity != "" && e.MetaString("complexity") != opts.Complexity {
		return false
	}
	if len(opts.Tags) > 0 {
		have := e.MetaStrings("tags")
		found := false
		for _, want := range opts.Tags {
			for _, t := range have {
				if t == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ListAll returns the tenant's newest entities across every kind, episodic
// nodes included. Both labels are over-fetched by the offset so the merged,
// re-sorted window is exact.
func (m *Manager) ListAll(ctx context.Context, limit, offset int, includeArchived bool) ([]*models.Entity, error) {
	if limit <= 0 {
		limit = defaultListAllLimit
	}
	if offset < 0 {
		offset = 0
	}
	where := "e.tenant_id = $tenant"
	if !includeArchived {
		where += " AND (e.status IS NULL OR e.status <> 'archived')"
	}
	var out []*models.Entity
	for _, label := range []string{"Entity", "Episodic"} {
		query := fmt.Sprintf("MATCH (e:%s) WHERE %s RETURN %s ORDER BY e.created_at DESC LIMIT %d",
			label, where, ReturnColumns("e"), offset+limit)
		res, err := m.graph.Query(ctx, query, map[string]any{"tenant": m.TenantID()})
		if err != nil {
			return nil, fmt.Errorf("list all entities: %w", err)
		}
		out = append(out, scanEntities(res)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []*models.Entity{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetTasksForEpic returns the epic's tasks in creation order, matching both
// the epic_id property and the BELONGS_TO edge so backlogs predating the
// backfill still resolve. An empty status means no status filter; a limit of
// zero or less means unbounded.
func (m *Manager) GetTasksForEpic(ctx context.Context, epicID, status string, limit int) ([]*models.Entity, error) {
	if epicID == "" {
		return nil, models.NewValidationError("epic_id", "epic_id is required")
	}
	params := map[string]any{"tenant": m.TenantID(), "epic_id": epicID}
	cond := ""
	if status != "" {
		cond = " AND e.status = $status"
		params["status"] = status
	}
	tail := ""
	if limit > 0 {
		tail = fmt.Sprintf(" LIMIT %d", limit)
	}
	query := fmt.Sprintf(`MATCH (e:Entity {tenant_id: $tenant, entity_type: 'task'})
WHERE (e.epic_id = $epic_id OR (e)-[:BELONGS_TO]->(:Entity {id: $epic_id}))%s
RETURN %s ORDER BY e.created_at ASC%s`, cond, ReturnColumns("e"), tail)
	res, err := m.graph.Query(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("tasks for epic %s: %w", epicID, err)
	}
	return scanEntities(res), nil
}

// GetEpicProgress aggregates task-status counts for one epic. Archived tasks
// appear in the counts but are excluded from the completion denominator.
func (m *Manager) GetEpicProgress(ctx context.Context, epicID string) (*models.EpicProgress, error) {
	tasks, err := m.GetTasksForEpic(ctx, epicID, "", 0)
	if err != nil {
		return nil, err
	}
	progress := &models.EpicProgress{EpicID: epicID, StatusCounts: make(map[string]int)}
	done := 0
	for _, t := range tasks {
		status := taskStatus(t)
		progress.StatusCounts[status]++
		if status == models.TaskStatusArchived {
			continue
		}
		progress.TotalTasks++
		if status == models.TaskStatusDone {
			done++
		}
	}
	if progress.TotalTasks > 0 {
		progress.CompletionPercent = float64(done) / float64(progress.TotalTasks) * 100
	}
	return progress, nil
}

// GetProjectSummary builds the curated project snapshot: status counts over
// all tasks, the most actionable tasks, open critical tasks, and the top
// epics with their progress. Each limit falls back to the standard window of
// five when zero or negative.
func (m *Manager) GetProjectSummary(ctx context.Context, projectID string, actionableLimit, criticalLimit, epicLimit int) (*models.ProjectSummary, error) {
	if actionableLimit <= 0 {
		actionableLimit = summaryLimit
	}
	if criticalLimit <= 0 {
		criticalLimit = summaryLimit
	}
	if epicLimit <= 0 {
		epicLimit = summaryLimit
	}
	project, err := m.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Kind != models.KindProject {
		return nil, models.NewValidationError("project_id",
			fmt.Sprintf("entity %s is a %s, not a project", projectID, project.Kind))
	}

	tasks, err := m.listForProject(ctx, models.KindTask, projectID)
	if err != nil {
		return nil, err
	}

	summary := &models.ProjectSummary{
		Project:      project,
		StatusCounts: make(map[string]int),
	}
	for _, t := range tasks {
		summary.StatusCounts[taskStatus(t)]++
	}
	summary.ActionableTasks = pickActionable(tasks, actionableLimit)
	summary.CriticalTasks = pickCritical(tasks, criticalLimit)

	epics, err := m.listForProject(ctx, models.KindEpic, projectID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(epics, func(i, j int) bool {
		return epics[i].UpdatedAt.After(epics[j].UpdatedAt)
	})
	if len(epics) > epicLimit {
		epics = epics[:epicLimit]
	}
	for _, epic := range epics {
		progress, perr := m.GetEpicProgress(ctx, epic.ID)
		if perr != nil {
			return nil, perr
		}
		summary.Epics = append(summary.Epics, models.EpicSummary{Epic: epic, Progress: *progress})
	}
	return summary, nil
}

func (m *Manager) listForProject(ctx context.Context, kind models.EntityKind, projectID string) ([]*models.Entity, error) {
	query := fmt.Sprintf(`MATCH (e:Entity {tenant_id: $tenant, entity_type: $kind})
WHERE e.project_id = $project_id OR (e)-[:BELONGS_TO]->(:Entity {id: $project_id})
RETURN %s ORDER BY e.updated_at DESC LIMIT %d`, ReturnColumns("e"), listFetchCap)
	res, err := m.graph.Query(ctx, query, map[string]any{
		"tenant": m.TenantID(), "kind": string(kind), "project_id": projectID,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s for project %s: %w", kind, projectID, err)
	}
	return scanEntities(res), nil
}

func taskStatus(t *models.Entity) string {
	if s := t.MetaString("status"); s != "" {
		return s
	}
	return models.TaskStatusTodo
}

// actionableRank orders tasks by how much they need attention right now.
var actionableRank = map[string]int{
	models.TaskStatusDoing:   0,
	models.TaskStatusBlocked: 1,
	models.TaskStatusReview:  2,
	models.TaskStatusTodo:    3,
}

func pickActionable(tasks []*models.Entity, limit int) []*models.Entity {
	candidates := make([]*models.Entity, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := actionableRank[taskStatus(t)]; ok {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri := actionableRank[taskStatus(candidates[i])]
		rj := actionableRank[taskStatus(candidates[j])]
		if ri != rj {
			return ri < rj
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

var criticalRank = map[string]int{"critical": 0, "high": 1}

func pickCritical(tasks []*models.Entity, limit int) []*models.Entity {
	candidates := make([]*models.Entity, 0, len(tasks))
	for _, t := range tasks {
		status := taskStatus(t)
		if status == models.TaskStatusDone || status == models.TaskStatusArchived {
			continue
		}
		if _, ok := criticalRank[t.MetaString("priority")]; ok {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri := criticalRank[candidates[i].MetaString("priority")]
		rj := criticalRank[candidates[j].MetaString("priority")]
		if ri != rj {
			return ri < rj
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// BackfillProjectEdges reconciles the two representations of project
// membership. Phase one creates the missing BELONGS_TO edge for entities
// that only carry a project_id property; phase two writes the property back
// onto entities that only have the edge.
func (m *Manager) BackfillProjectEdges(ctx context.Context) (edgesCreated, propsRepaired int, err error) {
	scanQuery := `MATCH (e:Entity {tenant_id: $tenant})
WHERE e.project_id IS NOT NULL AND e.project_id <> ''
OPTIONAL MATCH (e)-[:BELONGS_TO]->(p:Entity {entity_type: 'project'})
WITH e, collect(p.id) AS linked
WHERE NOT e.project_id IN linked
RETURN e.id, e.project_id`
	res, err := m.graph.Query(ctx, scanQuery, map[string]any{"tenant": m.TenantID()})
	if err != nil {
		return 0, 0, fmt.Errorf("backfill scan: %w", err)
	}

	now := FormatNodeTime(time.Now().UTC())
	for _, row := range res.Rows {
		if len(row) < 2 {
			continue
		}
		entityID := graph.AsString(row[0])
		projectID := graph.AsString(row[1])
		if entityID == "" || projectID == "" || entityID == projectID {
			continue
		}
		mergeQuery := `MATCH (e:Entity {id: $id, tenant_id: $tenant}), (p:Entity {id: $project_id, tenant_id: $tenant, entity_type: 'project'})
MERGE (e)-[r:BELONGS_TO]->(p)
ON CREATE SET r.id = $rel_id, r.tenant_id = $tenant, r.weight = 1.0, r.created_at = $now, r.metadata = '{}'`
		wres, werr := m.graph.Write(ctx, mergeQuery, map[string]any{
			"id":         entityID,
			"project_id": projectID,
			"tenant":     m.TenantID(),
			"rel_id":     uuid.NewString(),
			"now":        now,
		})
		if werr != nil {
			return edgesCreated, propsRepaired, fmt.Errorf("backfill edge for %s: %w", entityID, werr)
		}
		if n, ok := wres.Stat("Relationships created"); ok && n != "0" {
			edgesCreated++
		}
	}

	// Property repair goes through Update so the metadata map and the
	// projected property stay in lockstep.
	repairQuery := `MATCH (e:Entity {tenant_id: $tenant})-[:BELONGS_TO]->(p:Entity {entity_type: 'project'})
WHERE e.project_id IS NULL OR e.project_id = ''
RETURN e.id, p.id`
	res, err = m.graph.Query(ctx, repairQuery, map[string]any{"tenant": m.TenantID()})
	if err != nil {
		return edgesCreated, propsRepaired, fmt.Errorf("backfill repair scan: %w", err)
	}
	for _, row := range res.Rows {
		if len(row) < 2 {
			continue
		}
		entityID := graph.AsString(row[0])
		projectID := graph.AsString(row[1])
		if entityID == "" || projectID == "" {
			continue
		}
		if _, uerr := m.Update(ctx, entityID, map[string]any{"project_id": projectID}); uerr != nil {
			return edgesCreated, propsRepaired, fmt.Errorf("backfill property for %s: %w", entityID, uerr)
		}
		propsRepaired++
	}

	return edgesCreated, propsRepaired, nil
}

func scanEntities(res *graph.Result) []*models.Entity {
	out := make([]*models.Entity, 0, len(res.Rows))
	for _, row := range res.Rows {
		if e := ScanRow(row); e != nil {
			out = append(out, e)
		}
	}
	return out
}
