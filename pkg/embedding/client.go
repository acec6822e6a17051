// Package embedding calls the external embedding service that turns text
// into vectors for the graph's vector index and the crawl chunk store.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// Client produces embedding vectors for text. Implementations must be safe
// for concurrent use.
type Client interface {
	// Enabled reports whether the service is configured. Callers skip
	// embedding work entirely when it is not.
	Enabled() bool

	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds embedding service settings.
type Config struct {
	Enabled bool
	URL     string
	Dims    int
	Timeout time.Duration
}

// NewClient returns an HTTP client when the service is enabled and a disabled
// stub otherwise.
func NewClient(cfg Config) Client {
	if !cfg.Enabled || cfg.URL == "" {
		return disabledClient{}
	}
	return &HTTPClient{
		url:  cfg.URL,
		dims: cfg.Dims,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// HTTPClient talks to the embedding service over HTTP.
type HTTPClient struct {
	url  string
	dims int
	http *http.Client
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Enabled always reports true for a configured HTTP client.
func (c *HTTPClient) Enabled() bool { return true }

// Embed returns the vector for a single text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding service returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input text, in order.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are retryable.
		return nil, fmt.Errorf("%w: embedding service: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: embedding service returned %d", models.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, data)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts",
			len(parsed.Embeddings), len(texts))
	}
	for i, vec := range parsed.Embeddings {
		if c.dims > 0 && len(vec) != c.dims {
			return nil, fmt.Errorf("embedding %d has %d dims, want %d", i, len(vec), c.dims)
		}
	}

	return parsed.Embeddings, nil
}

// disabledClient is returned when no embedding service is configured.
type disabledClient struct{}

func (disabledClient) Enabled() bool { return false }

func (disabledClient) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (disabledClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}
