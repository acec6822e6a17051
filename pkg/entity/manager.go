// Package entity implements the tenant-scoped entity manager: CRUD over graph
// nodes, the extraction path for free-form content, hybrid search, and the
// epic/project aggregate views.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/extraction"
	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// embedTextLimit bounds the text sent to the embedder on create, counted in
// characters.
const embedTextLimit = 2000

// truncateRunes clips s to at most max characters without splitting a
// multi-byte rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}

// Embedder produces embedding vectors for entity names and descriptions.
type Embedder interface {
	Enabled() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor discovers entities and relationships inside free-form content.
type Extractor interface {
	Enabled() bool
	Extract(ctx context.Context, content string) (*extraction.Extraction, error)
}

// EventPublisher broadcasts entity change notifications onto the tenant
// channel. Satisfied by *events.Publisher; nil disables publishing.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, data any)
}

// Manager owns all node and edge writes for one tenant's graph.
type Manager struct {
	graph     *graph.Handle
	embedder  Embedder
	extractor Extractor
	publisher EventPublisher
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithPublisher wires entity_created / entity_updated notifications.
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// NewManager creates a manager bound to one tenant's graph handle.
func NewManager(h *graph.Handle, embedder Embedder, extractor Extractor, opts ...Option) *Manager {
	m := &Manager{
		graph:     h,
		embedder:  embedder,
		extractor: extractor,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// notify publishes an entity change event. Best-effort: a nil publisher or a
// failed publish is invisible to the caller.
func (m *Manager) notify(ctx context.Context, event string, e *models.Entity) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(ctx, m.TenantID(), event, events.EntityChangePayload{
		EntityID: e.ID,
		Kind:     e.Kind,
		Name:     e.Name,
	})
}

// TenantID returns the tenant this manager is scoped to.
func (m *Manager) TenantID() string {
	return m.graph.TenantID()
}

// prepare validates and normalizes an entity before any write: the id is
// filled if absent, the kind defaulted, the tenant pinned to the manager's,
// and timestamps set.
func (m *Manager) prepare(e *models.Entity) error {
	if e == nil {
		return models.NewValidationError("entity", "entity is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return models.NewValidationError("name", "name is required")
	}
	if e.TenantID != "" && e.TenantID != m.TenantID() {
		return models.NewValidationError("tenant_id",
			fmt.Sprintf("entity tenant %q does not match manager tenant %q", e.TenantID, m.TenantID()))
	}
	e.TenantID = m.TenantID()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if !e.Kind.Valid() {
		e.Kind = models.ParseEntityKind(string(e.Kind))
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return nil
}

// Create persists the entity through the extraction path: the content is
// stored as an episodic node under the caller's id, then the extraction
// collaborator discovers related entities and edges which are merged into the
// graph. When extraction is unavailable the create degrades to the fast path.
func (m *Manager) Create(ctx context.Context, e *models.Entity) (string, error) {
	if err := m.prepare(e); err != nil {
		return "", err
	}
	if err := m.graph.EnsureIndexes(ctx); err != nil {
		return "", err
	}

	if m.extractor == nil || !m.extractor.Enabled() || strings.TrimSpace(e.Content) == "" {
		return m.createDirectPrepared(ctx, e, true)
	}

	// 1. Persist the episodic node first so the caller's id is durable no
	// matter what the collaborator does.
	if err := m.writeEpisodicNode(ctx, e); err != nil {
		return "", err
	}
	m.notify(ctx, events.EventEntityCreated, e)

	// 2. Run extraction. A failed extraction never fails the create; the
	// episode simply stays unenriched.
	found, err := m.extractor.Extract(ctx, e.Content)
	if err != nil {
		slog.Warn("Extraction failed, episode stored without enrichment",
			"entity_id", e.ID, "tenant_id", m.TenantID(), "error", err)
		return e.ID, nil
	}

	// 3. Merge discovered entities and edges.
	if err := m.applyExtraction(ctx, e.ID, found); err != nil {
		slog.Warn("Applying extraction results failed",
			"entity_id", e.ID, "tenant_id", m.TenantID(), "error", err)
	}

	return e.ID, nil
}

// CreateDirect persists the entity with no extraction. When generateEmbedding
// is set and an embedder is configured, a vector over "name. description" is
// stored alongside; embedding failure never fails the create.
func (m *Manager) CreateDirect(ctx context.Context, e *models.Entity, generateEmbedding bool) (string, error) {
	if err := m.prepare(e); err != nil {
		return "", err
	}
	if err := m.graph.EnsureIndexes(ctx); err != nil {
		return "", err
	}
	return m.createDirectPrepared(ctx, e, generateEmbedding)
}

func (m *Manager) createDirectPrepared(ctx context.Context, e *models.Entity, generateEmbedding bool) (string, error) {
	if generateEmbedding && len(e.Embedding) == 0 && m.embedder != nil && m.embedder.Enabled() {
		text := truncateRunes(e.Name+". "+e.Description, embedTextLimit)
		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			slog.Warn("Embedding failed, entity stored without vector",
				"entity_id", e.ID, "tenant_id", m.TenantID(), "error", err)
		} else {
			e.Embedding = vec
		}
	}

	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"id":          e.ID,
		"kind":        string(e.Kind),
		"name":        e.Name,
		"description": e.Description,
		"content":     e.Content,
		"tenant_id":   e.TenantID,
		"created_at":  FormatNodeTime(e.CreatedAt),
		"updated_at":  FormatNodeTime(e.UpdatedAt),
		"metadata":    metadata,
	}

	sets := []string{
		"e.entity_type = $kind",
		"e.name = $name",
		"e.description = $description",
		"e.content = $content",
		"e.tenant_id = $tenant_id",
		"e.updated_at = $updated_at",
		"e.metadata = $metadata",
	}
	sets = append(sets, buildSetFragments("e", e, params)...)
	if len(e.Embedding) > 0 {
		params["embedding"] = e.Embedding
		sets = append(sets, "e.name_embedding = $embedding")
	}

	query := fmt.Sprintf(
		"MERGE (e:Entity:%s {id: $id}) ON CREATE SET e.created_at = $created_at SET %s",
		kindLabel(e.Kind), strings.Join(sets, ", "),
	)
	if _, err := m.graph.Write(ctx, query, params); err != nil {
		return "", fmt.Errorf("create entity %s: %w", e.ID, err)
	}
	m.notify(ctx, events.EventEntityCreated, e)
	return e.ID, nil
}

// writeEpisodicNode stores the entity as an episodic node: raw content plus a
// sanitized body for the episodic fulltext index, structured properties, and
// serialized metadata in one write.
func (m *Manager) writeEpisodicNode(ctx context.Context, e *models.Entity) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	params := map[string]any{
		"id":        e.ID,
		"kind":      string(e.Kind),
		"name":      e.Name,
		"desc":      e.Description,
		"content":   e.Content,
		"sanitized": SanitizeEpisodeBody(e.Content),
		"tenant_id": e.TenantID,
		"created":   FormatNodeTime(e.CreatedAt),
		"updated":   FormatNodeTime(e.UpdatedAt),
		"metadata":  metadata,
	}

	sets := []string{
		"e.entity_type = $kind",
		"e.name = $name",
		"e.description = $desc",
		"e.content = $content",
		"e.content_sanitized = $sanitized",
		"e.tenant_id = $tenant_id",
		"e.updated_at = $updated",
		"e.metadata = $metadata",
	}
	sets = append(sets, buildSetFragments("e", e, params)...)

	query := "MERGE (e:Episodic {id: $id}) ON CREATE SET e.created_at = $created SET " +
		strings.Join(sets, ", ")
	if _, err := m.graph.Write(ctx, query, params); err != nil {
		return fmt.Errorf("create episode %s: %w", e.ID, err)
	}
	return nil
}

// applyExtraction merges discovered entities, links the episode to each via
// REFERENCES, and creates the typed edges between discovered entities.
func (m *Manager) applyExtraction(ctx context.Context, episodeID string, found *extraction.Extraction) error {
	if found == nil {
		return nil
	}
	now := FormatNodeTime(time.Now().UTC())

	// Discovered entities are merged by name so repeated mentions across
	// episodes converge on one node.
	idsByName := make(map[string]string, len(found.Entities))
	for _, fe := range found.Entities {
		name := strings.TrimSpace(fe.Name)
		if name == "" {
			continue
		}
		kind := models.ParseEntityKind(fe.Kind)
		query := fmt.Sprintf(`MERGE (x:Entity:%s {name: $name, tenant_id: $tenant})
ON CREATE SET x.id = $id, x.entity_type = $kind, x.created_at = $now, x.metadata = '{}'
SET x.updated_at = $now,
    x.description = CASE WHEN $description <> '' THEN $description ELSE coalesce(x.description, '') END
RETURN x.id`, kindLabel(kind))

		res, err := m.graph.Write(ctx, query, map[string]any{
			"name":        name,
			"tenant":      m.TenantID(),
			"id":          uuid.NewString(),
			"kind":        string(kind),
			"now":         now,
			"description": fe.Description,
		})
		if err != nil {
			return fmt.Errorf("merge discovered entity %q: %w", name, err)
		}
		if !res.Empty() {
			idsByName[name] = graph.AsString(res.Rows[0][0])
		}
	}

	// Episode REFERENCES each discovered entity.
	for _, id := range idsByName {
		query := `MATCH (ep:Episodic {id: $episode_id}), (x:Entity {id: $entity_id})
MERGE (ep)-[r:REFERENCES]->(x)
ON CREATE SET r.id = $rel_id, r.tenant_id = $tenant, r.weight = 1.0, r.created_at = $now, r.metadata = '{}'`
		_, err := m.graph.Write(ctx, query, map[string]any{
			"episode_id": episodeID,
			"entity_id":  id,
			"rel_id":     uuid.NewString(),
			"tenant":     m.TenantID(),
			"now":        now,
		})
		if err != nil {
			return fmt.Errorf("link episode to entity %s: %w", id, err)
		}
	}

	// Typed edges between discovered entities, matched by name.
	for _, fr := range found.Relationships {
		src := strings.TrimSpace(fr.SourceName)
		dst := strings.TrimSpace(fr.TargetName)
		if src == "" || dst == "" || src == dst {
			continue
		}
		kind := models.ParseRelationshipKind(fr.Kind)
		query := fmt.Sprintf(`MATCH (a:Entity {name: $src, tenant_id: $tenant}), (b:Entity {name: $dst, tenant_id: $tenant})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.id = $rel_id, r.tenant_id = $tenant, r.weight = 1.0, r.created_at = $now, r.metadata = '{}'`, kind)

		_, err := m.graph.Write(ctx, query, map[string]any{
			"src":    src,
			"dst":    dst,
			"rel_id": uuid.NewString(),
			"tenant": m.TenantID(),
			"now":    now,
		})
		if err != nil {
			return fmt.Errorf("merge discovered edge %s-%s->%s: %w", src, kind, dst, err)
		}
	}

	return nil
}

// Get returns the entity with the given id, trying the regular entity lookup
// first and the episodic lookup second. A node stored under a different
// tenant is treated as not found.
func (m *Manager) Get(ctx context.Context, id string) (*models.Entity, error) {
	e, _, err := m.getWithLabel(ctx, id)
	return e, err
}

// getWithLabel is Get plus the node's base label, which Update and Delete
// need to target the right node shape.
func (m *Manager) getWithLabel(ctx context.Context, id string) (*models.Entity, string, error) {
	if id == "" {
		return nil, "", models.NewValidationError("id", "id is required")
	}
	for _, label := range []string{"Entity", "Episodic"} {
		query := fmt.Sprintf("MATCH (e:%s {id: $id}) RETURN %s", label, ReturnColumns("e"))
		res, err := m.graph.Query(ctx, query, map[string]any{"id": id})
		if err != nil {
			return nil, "", err
		}
		if res.Empty() {
			continue
		}
		e := ScanRow(res.Rows[0])
		if e == nil || e.TenantID != m.TenantID() {
			continue
		}
		return e, label, nil
	}
	return nil, "", fmt.Errorf("entity %s: %w", id, models.ErrNotFound)
}

// Update merges updates into the entity: metadata keys merge, structured
// fields overwrite, updated_at refreshes, and an "embedding" key sets or
// clears the vector property in its own typed write.
func (m *Manager) Update(ctx context.Context, id string, updates map[string]any) (*models.Entity, error) {
	existing, label, err := m.getWithLabel(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(existing.Metadata)+len(updates))
	for k, v := range existing.Metadata {
		merged[k] = v
	}

	core := make(map[string]string)
	var embeddingUpdate any
	hasEmbedding := false

	for k, v := range updates {
		switch k {
		case "embedding":
			embeddingUpdate = v
			hasEmbedding = true
		case "metadata":
			if mm, ok := v.(map[string]any); ok {
				for mk, mv := range mm {
					merged[mk] = mv
				}
			}
		case "name", "description", "content":
			core[k] = fmt.Sprintf("%v", v)
		case "id", "tenant_id", "kind", "entity_type", "created_at", "updated_at":
			// Immutable or manager-owned fields; ignored.
		default:
			merged[k] = v
		}
	}

	metadata, err := marshalMetadata(merged)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	params := map[string]any{
		"id":       id,
		"tenant":   m.TenantID(),
		"updated":  FormatNodeTime(now),
		"metadata": metadata,
	}
	sets := []string{"e.updated_at = $updated", "e.metadata = $metadata"}
	for k, v := range core {
		params["c_"+k] = v
		sets = append(sets, fmt.Sprintf("e.%s = $c_%s", k, k))
	}

	// Re-project structured fields from the merged metadata so properties and
	// metadata cannot drift apart.
	projected := &models.Entity{Kind: existing.Kind, Metadata: merged}
	sets = append(sets, buildSetFragments("e", projected, params)...)

	query := fmt.Sprintf("MATCH (e:%s {id: $id, tenant_id: $tenant}) SET %s",
		label, strings.Join(sets, ", "))
	if _, err := m.graph.Write(ctx, query, params); err != nil {
		return nil, fmt.Errorf("update entity %s: %w", id, err)
	}

	if hasEmbedding {
		if err := m.setEmbedding(ctx, id, label, embeddingUpdate); err != nil {
			return nil, err
		}
	}

	updated, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.EventEntityUpdated, updated)
	return updated, nil
}

// setEmbedding sets or clears the node's vector property. The typed vecf32
// cast happens in parameter encoding; without it the engine would store a
// plain list the vector index cannot use.
func (m *Manager) setEmbedding(ctx context.Context, id, label string, value any) error {
	vec := toFloat32Slice(value)
	if len(vec) == 0 {
		query := fmt.Sprintf("MATCH (e:%s {id: $id, tenant_id: $tenant}) SET e.name_embedding = NULL", label)
		_, err := m.graph.Write(ctx, query, map[string]any{"id": id, "tenant": m.TenantID()})
		if err != nil {
			return fmt.Errorf("clear embedding on %s: %w", id, err)
		}
		return nil
	}

	query := fmt.Sprintf("MATCH (e:%s {id: $id, tenant_id: $tenant}) SET e.name_embedding = $embedding", label)
	_, err := m.graph.Write(ctx, query, map[string]any{
		"id": id, "tenant": m.TenantID(), "embedding": vec,
	})
	if err != nil {
		return fmt.Errorf("set embedding on %s: %w", id, err)
	}
	return nil
}

// toFloat32Slice accepts the embedding shapes that arrive via JSON or
// directly from the embedder.
func toFloat32Slice(v any) []float32 {
	switch vec := v.(type) {
	case []float32:
		return vec
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(vec))
		for _, item := range vec {
			switch f := item.(type) {
			case float64:
				out = append(out, float32(f))
			case float32:
				out = append(out, f)
			case int:
				out = append(out, float32(f))
			case int64:
				out = append(out, float32(f))
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}

// Delete removes the entity and all incident edges, trying the regular shape
// first and the episodic shape second.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if id == "" {
		return models.NewValidationError("id", "id is required")
	}
	for _, label := range []string{"Entity", "Episodic"} {
		query := fmt.Sprintf("MATCH (e:%s {id: $id, tenant_id: $tenant}) DETACH DELETE e", label)
		res, err := m.graph.Write(ctx, query, map[string]any{"id": id, "tenant": m.TenantID()})
		if err != nil {
			return fmt.Errorf("delete entity %s: %w", id, err)
		}
		if n, ok := res.Stat("Nodes deleted"); ok && n != "0" {
			return nil
		}
	}
	return fmt.Errorf("entity %s: %w", id, models.ErrNotFound)
}

// BulkCreateDirect persists entities in batches via the fast path, skipping
// extraction and embedding generation. Individual failures are counted, not
// fatal; only context cancellation aborts the run.
func (m *Manager) BulkCreateDirect(ctx context.Context, entities []*models.Entity, batchSize int) (created, failed int, err error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(entities); start += batchSize {
		end := start + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		for _, e := range entities[start:end] {
			if ctx.Err() != nil {
				return created, failed, ctx.Err()
			}
			if _, cerr := m.CreateDirect(ctx, e, false); cerr != nil {
				failed++
				if errors.Is(cerr, models.ErrTransient) {
					slog.Warn("Bulk create item failed", "entity_id", e.ID, "error", cerr)
				} else {
					slog.Debug("Bulk create item rejected", "entity_id", e.ID, "error", cerr)
				}
				continue
			}
			created++
		}
	}
	return created, failed, nil
}
