// Package crawler implements source ingestion. A crawl walks the pages under
// a source's root URL breadth-first, converts each page to markdown, chunks
// and embeds the text, and persists every page twice: the full document and
// its chunks as relational rows, and lightweight twins in the tenant graph
// linked PART_OF back to their source so traversal and search reach them.
//
// Crawls are idempotent. Document rows key on (tenant_id, url), chunk rows on
// (document_id, chunk_index), and graph twins reuse the row ids, so re-running
// a crawl converges on the same records instead of duplicating them.
package crawler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/embedding"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// Crawler executes crawl_source and sync_source jobs.
type Crawler struct {
	db        *sql.DB
	entities  *entity.Factory
	embedder  embedding.Client
	publisher services.EventPublisher
	fetcher   *Fetcher
	converter Converter
	cfg       *config.CrawlerConfig
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithConverter replaces the built-in tag stripper, normally with a client
// for an external conversion service.
func WithConverter(conv Converter) Option {
	return func(c *Crawler) { c.converter = conv }
}

func New(db *sql.DB, entities *entity.Factory, embedder embedding.Client, publisher services.EventPublisher, cfg *config.CrawlerConfig, opts ...Option) *Crawler {
	c := &Crawler{
		db:        db,
		entities:  entities,
		embedder:  embedder,
		publisher: publisher,
		fetcher:   NewFetcher(cfg),
		converter: TagStripConverter{},
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleCrawlJob runs a full crawl: every reachable page is re-fetched and
// upserted even when its stored content is current.
func (c *Crawler) HandleCrawlJob(ctx context.Context, job *models.Job) error {
	return c.handleJob(ctx, job, false)
}

// HandleSyncJob runs an incremental crawl: pages whose content hash matches
// the stored document are skipped.
func (c *Crawler) HandleSyncJob(ctx context.Context, job *models.Job) error {
	return c.handleJob(ctx, job, true)
}

func (c *Crawler) handleJob(ctx context.Context, job *models.Job, sync bool) error {
	var args models.CrawlSourceArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		return fmt.Errorf("decode crawl args: %w", err)
	}
	if args.SourceID == "" {
		return models.NewValidationError("source_id", "required")
	}
	return c.Run(ctx, job.TenantID, job.ID, args.SourceID, sync)
}

// runState accumulates per-run counters for progress events.
type runState struct {
	fetched   int
	documents int
	chunks    int
	skipped   int
}

// Run crawls one source. The source entity moves to in_progress for the
// duration and settles as completed, partial, or failed; progress events
// stream per page. A context cancellation mid-run returns the cancellation
// after settling, so the retried job resumes where the counters stand.
func (c *Crawler) Run(ctx context.Context, tenantID, jobID, sourceID string, sync bool) error {
	mgr, err := c.entities.ForTenant(tenantID)
	if err != nil {
		return err
	}
	handle, err := c.entities.Driver().Tenant(tenantID)
	if err != nil {
		return err
	}
	rels := relationship.NewManager(handle)

	src, err := mgr.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if src.Kind != models.KindSource {
		return models.NewValidationError("source_id", "entity is not a source")
	}
	rootURL := src.MetaString("url")
	if rootURL == "" {
		c.settle(ctx, mgr, src, models.CrawlFailed, "source has no url", &runState{})
		return models.NewValidationError("url", "source has no url")
	}

	if _, err := mgr.Update(ctx, sourceID, map[string]any{
		"crawl_status": string(models.CrawlInProgress),
		"last_error":   "",
	}); err != nil {
		return fmt.Errorf("mark source in progress: %w", err)
	}
	c.publisher.Publish(ctx, tenantID, events.EventCrawlStarted, events.CrawlStartedPayload{
		SourceID: sourceID,
		JobID:    jobID,
		Sync:     sync,
	})

	run := &runState{}
	stats, walkErr := c.fetcher.Walk(ctx, rootURL, c.rulesFor(src), func(ctx context.Context, page *Page) error {
		return c.ingestPage(ctx, mgr, rels, src, page, sync, run)
	})

	status := models.CrawlCompleted
	var lastError string
	switch {
	case walkErr != nil && run.documents == 0 && run.skipped == 0:
		status = models.CrawlFailed
		lastError = walkErr.Error()
	case walkErr != nil:
		status = models.CrawlPartial
		lastError = walkErr.Error()
	case stats.Failed > 0:
		status = models.CrawlPartial
		lastError = fmt.Sprintf("%d of %d pages failed", stats.Failed, stats.Failed+stats.Fetched)
	}

	c.settle(ctx, mgr, src, status, lastError, run)
	if walkErr != nil {
		return walkErr
	}

	slog.Info("Crawl finished",
		"tenant_id", tenantID,
		"source_id", sourceID,
		"status", string(status),
		"fetched", run.fetched,
		"documents", run.documents,
		"chunks", run.chunks,
		"skipped", run.skipped)
	return nil
}

// settle records the run outcome on the source entity and broadcasts
// crawl_complete. It must run even when the crawl was cancelled, so it
// detaches from the caller's cancellation.
func (c *Crawler) settle(ctx context.Context, mgr *entity.Manager, src *models.Entity, status models.CrawlStatus, lastError string, run *runState) {
	ctx = context.WithoutCancel(ctx)

	updates := map[string]any{
		"crawl_status":    string(status),
		"last_crawled_at": time.Now().UTC().Format(time.RFC3339),
		"last_error":      lastError,
	}
	docs, chunks, err := c.sourceCounts(ctx, src.TenantID, src.ID)
	if err != nil {
		slog.Warn("Failed to count stored documents", "source_id", src.ID, "error", err)
	} else {
		updates["document_count"] = docs
		updates["chunk_count"] = chunks
	}
	if _, err := mgr.Update(ctx, src.ID, updates); err != nil {
		slog.Error("Failed to settle source after crawl", "source_id", src.ID, "error", err)
	}

	c.publisher.Publish(ctx, src.TenantID, events.EventCrawlComplete, events.CrawlCompletePayload{
		SourceID:  src.ID,
		Status:    string(status),
		Documents: run.documents,
		Chunks:    run.chunks,
		Error:     lastError,
	})
}

// ingestPage converts, stores, chunks, and graphs one fetched page.
func (c *Crawler) ingestPage(ctx context.Context, mgr *entity.Manager, rels *relationship.Manager, src *models.Entity, page *Page, sync bool, run *runState) error {
	run.fetched++

	title, markdown, err := c.converter.Convert(ctx, page)
	if err != nil {
		return fmt.Errorf("convert %s: %w", page.URL, err)
	}
	if strings.TrimSpace(markdown) == "" {
		run.skipped++
		c.progress(ctx, src, page.URL, run)
		return nil
	}
	if title == "" {
		title = page.URL
	}

	hash := contentHash(markdown)
	prevID, prevHash, err := c.existingDocument(ctx, src.TenantID, page.URL)
	if err != nil {
		return err
	}
	unchanged := prevID != "" && prevHash == hash
	if sync && unchanged {
		run.skipped++
		c.progress(ctx, src, page.URL, run)
		return nil
	}

	doc := &Document{
		TenantID:  src.TenantID,
		SourceID:  src.ID,
		URL:       page.URL,
		Title:     title,
		Content:   markdown,
		Hash:      hash,
		Headings:  extractHeadings(markdown),
		Links:     documentLinks(page),
		CodeLangs: extractCodeLanguages(markdown),
	}
	doc.ID, err = c.upsertDocument(ctx, doc)
	if err != nil {
		return err
	}
	run.documents++

	// Unchanged content chunks identically, so full crawls also skip the
	// re-segmentation and embedding spend.
	if !unchanged {
		chunks := splitChunks(markdown, c.cfg.ChunkSize, c.cfg.ChunkOverlap)
		vectors := c.embedChunks(ctx, chunks)
		removed, err := c.replaceChunks(ctx, doc, chunks, vectors)
		if err != nil {
			_ = c.markDocumentFailed(ctx, doc.ID, err.Error())
			return err
		}
		run.chunks += len(chunks)

		if err := c.graphDocument(ctx, mgr, rels, src, doc, chunks, removed); err != nil {
			_ = c.markDocumentFailed(ctx, doc.ID, err.Error())
			return err
		}
	}

	c.progress(ctx, src, page.URL, run)
	return nil
}

// graphDocument mirrors a stored page into the tenant graph: a document
// entity PART_OF its source and chunk entities PART_OF the document. The
// document twin carries no body, Postgres stays canonical for page content;
// chunk twins carry their text so graph search reaches it. Twins of chunks
// the new version no longer has are deleted.
func (c *Crawler) graphDocument(ctx context.Context, mgr *entity.Manager, rels *relationship.Manager, src *models.Entity, doc *Document, chunks []string, removedChunkIDs []string) error {
	docEntity := &models.Entity{
		ID:   doc.ID,
		Kind: models.KindDocument,
		Name: doc.Title,
		Metadata: map[string]any{
			"url":          doc.URL,
			"source_id":    src.ID,
			"content_hash": doc.Hash,
		},
	}
	if _, err := mgr.CreateDirect(ctx, docEntity, false); err != nil {
		return fmt.Errorf("graph document %s: %w", doc.URL, err)
	}
	if _, err := rels.Create(ctx, &models.Relationship{
		SourceID: doc.ID, TargetID: src.ID, Kind: models.RelPartOf,
	}); err != nil {
		return fmt.Errorf("link document %s to source: %w", doc.URL, err)
	}

	for i, chunk := range chunks {
		id := chunkID(doc.ID, i)
		chunkEntity := &models.Entity{
			ID:      id,
			Kind:    models.KindChunk,
			Name:    fmt.Sprintf("%s [%d]", doc.Title, i),
			Content: chunk,
			Metadata: map[string]any{
				"document_id": doc.ID,
				"source_id":   src.ID,
				"chunk_index": i,
			},
		}
		if _, err := mgr.CreateDirect(ctx, chunkEntity, false); err != nil {
			return fmt.Errorf("graph chunk %d of %s: %w", i, doc.URL, err)
		}
		if _, err := rels.Create(ctx, &models.Relationship{
			SourceID: id, TargetID: doc.ID, Kind: models.RelPartOf,
		}); err != nil {
			return fmt.Errorf("link chunk %d of %s: %w", i, doc.URL, err)
		}
	}

	for _, id := range removedChunkIDs {
		if err := mgr.Delete(ctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("Failed to delete stale chunk twin", "chunk_id", id, "error", err)
		}
	}
	return nil
}

// embedChunks embeds best-effort: a disabled embedder or a failed batch
// degrades to NULL vectors rather than failing the page.
func (c *Crawler) embedChunks(ctx context.Context, chunks []string) [][]float32 {
	if c.embedder == nil || !c.embedder.Enabled() || len(chunks) == 0 {
		return nil
	}
	vectors, err := c.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		slog.Warn("Chunk embedding failed", "chunks", len(chunks), "error", err)
		return nil
	}
	return vectors
}

func (c *Crawler) progress(ctx context.Context, src *models.Entity, pageURL string, run *runState) {
	c.publisher.Publish(ctx, src.TenantID, events.EventCrawlProgress, events.CrawlProgressPayload{
		SourceID:  src.ID,
		URL:       pageURL,
		Fetched:   run.fetched,
		Documents: run.documents,
		Chunks:    run.chunks,
		Skipped:   run.skipped,
	})
}

// rulesFor merges config defaults with per-source metadata overrides.
func (c *Crawler) rulesFor(src *models.Entity) Rules {
	rules := Rules{
		MaxDepth: c.cfg.MaxDepth,
		MaxPages: c.cfg.MaxPages,
		Include:  src.MetaStrings("include_patterns"),
		Exclude:  src.MetaStrings("exclude_patterns"),
	}
	if v, ok := metaInt(src, "max_depth"); ok {
		rules.MaxDepth = v
	}
	if v, ok := metaInt(src, "max_pages"); ok {
		rules.MaxPages = v
	}
	return rules
}

// metaInt reads an integer metadata value, tolerating the float64 shape that
// JSON decoding produces.
func metaInt(e *models.Entity, key string) (int, bool) {
	if e.Metadata == nil {
		return 0, false
	}
	switch v := e.Metadata[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
