package crawler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Document statuses on crawl_documents rows. Sources carry their own
// lifecycle in graph metadata; these only describe one stored page.
const (
	docStatusCompleted = "completed"
	docStatusFailed    = "failed"
)

// Document is one normalized page ready for persistence.
type Document struct {
	ID        string
	TenantID  string
	SourceID  string
	URL       string
	Title     string
	Content   string
	Hash      string
	Headings  []string
	Links     []string
	CodeLangs []string
}

// existingDocument returns the stored row id and content hash for a URL, or
// empty strings when the page has never been stored.
func (c *Crawler) existingDocument(ctx context.Context, tenantID, pageURL string) (string, string, error) {
	var id, hash string
	err := c.db.QueryRowContext(ctx,
		`SELECT id, content_hash FROM crawl_documents WHERE tenant_id = $1 AND url = $2`,
		tenantID, pageURL).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup document %s: %w", pageURL, err)
	}
	return id, hash, nil
}

// upsertDocument writes the document row keyed on (tenant_id, url) and
// returns the row id, which stays stable across re-crawls.
func (c *Crawler) upsertDocument(ctx context.Context, d *Document) (string, error) {
	headings, err := jsonStrings(d.Headings)
	if err != nil {
		return "", fmt.Errorf("marshal headings: %w", err)
	}
	links, err := jsonStrings(d.Links)
	if err != nil {
		return "", fmt.Errorf("marshal links: %w", err)
	}
	langs, err := jsonStrings(d.CodeLangs)
	if err != nil {
		return "", fmt.Errorf("marshal code languages: %w", err)
	}

	var id string
	err = c.db.QueryRowContext(ctx,
		`INSERT INTO crawl_documents
		   (id, tenant_id, source_id, url, title, content, content_hash,
		    headings, links, code_languages, status, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		 ON CONFLICT (tenant_id, url) DO UPDATE SET
		   source_id      = EXCLUDED.source_id,
		   title          = EXCLUDED.title,
		   content        = EXCLUDED.content,
		   content_hash   = EXCLUDED.content_hash,
		   headings       = EXCLUDED.headings,
		   links          = EXCLUDED.links,
		   code_languages = EXCLUDED.code_languages,
		   status         = EXCLUDED.status,
		   error          = NULL,
		   fetched_at     = now(),
		   updated_at     = now()
		 RETURNING id`,
		uuid.NewString(), d.TenantID, d.SourceID, d.URL, d.Title, d.Content, d.Hash,
		headings, links, langs, docStatusCompleted).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert document %s: %w", d.URL, err)
	}
	return id, nil
}

// markDocumentFailed records a page-level failure on a stored row.
func (c *Crawler) markDocumentFailed(ctx context.Context, docID, message string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE crawl_documents SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		docID, docStatusFailed, message)
	if err != nil {
		return fmt.Errorf("mark document %s failed: %w", docID, err)
	}
	return nil
}

// replaceChunks swaps a document's stored chunk set: rows are upserted by
// (document_id, chunk_index) so ids stay stable, and surplus indexes from a
// previously longer version are deleted. Returns the ids of removed rows so
// the caller can drop their graph twins.
func (c *Crawler) replaceChunks(ctx context.Context, d *Document, chunks []string, vectors [][]float32) ([]string, error) {
	for i, chunk := range chunks {
		var embedding any
		if i < len(vectors) {
			embedding = vectorParam(vectors[i])
		}
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO crawl_chunks
			   (id, document_id, tenant_id, source_id, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
			 ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			   content   = EXCLUDED.content,
			   embedding = EXCLUDED.embedding`,
			chunkID(d.ID, i), d.ID, d.TenantID, d.SourceID, i, chunk, embedding)
		if err != nil {
			return nil, fmt.Errorf("upsert chunk %d of %s: %w", i, d.URL, err)
		}
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM crawl_chunks WHERE document_id = $1 AND chunk_index >= $2`,
		d.ID, len(chunks))
	if err != nil {
		return nil, fmt.Errorf("list surplus chunks of %s: %w", d.URL, err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan surplus chunk: %w", err)
		}
		removed = append(removed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate surplus chunks: %w", err)
	}

	if len(removed) > 0 {
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM crawl_chunks WHERE document_id = $1 AND chunk_index >= $2`,
			d.ID, len(chunks)); err != nil {
			return nil, fmt.Errorf("delete surplus chunks of %s: %w", d.URL, err)
		}
	}
	return removed, nil
}

// sourceCounts reports the stored document and chunk totals for a source.
func (c *Crawler) sourceCounts(ctx context.Context, tenantID, sourceID string) (int, int, error) {
	var docs, chunks int
	err := c.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM crawl_documents WHERE tenant_id = $1 AND source_id = $2),
		   (SELECT COUNT(*) FROM crawl_chunks    WHERE tenant_id = $1 AND source_id = $2)`,
		tenantID, sourceID).Scan(&docs, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("count source %s: %w", sourceID, err)
	}
	return docs, chunks, nil
}

func chunkID(docID string, index int) string {
	return fmt.Sprintf("%s_c%04d", docID, index)
}

// vectorParam renders an embedding as the pgvector text literal, or nil for
// a NULL column when no embedding is available.
func vectorParam(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	parts := make([]string, len(vec))
	for i, f := range vec {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func jsonStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}
