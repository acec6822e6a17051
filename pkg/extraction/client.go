// Package extraction calls the external extraction service that discovers
// entities and relationships inside free-form content.
package extraction

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

// ExtractedEntity is one entity the service found in the content.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// ExtractedRelationship is one edge the service found, referencing entities
// by name within the same extraction.
type ExtractedRelationship struct {
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
	Kind       string `json:"kind"`
}

// Extraction is the full result for one piece of content.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Client discovers entities and relationships in content. Implementations
// must be safe for concurrent use.
type Client interface {
	// Enabled reports whether the service is configured.
	Enabled() bool

	// Extract runs the service over content and returns its findings.
	Extract(ctx context.Context, content string) (*Extraction, error)
}

// Config holds extraction service settings.
type Config struct {
	Enabled bool
	URL     string
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
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// HTTPClient talks to the extraction service over HTTP.
type HTTPClient struct {
	url  string
	http *http.Client
}

type extractRequest struct {
	Content string `json:"content"`
}

// Enabled always reports true for a configured HTTP client.
func (c *HTTPClient) Enabled() bool { return true }

// Extract runs the service over content and returns its findings.
func (c *HTTPClient) Extract(ctx context.Context, content string) (*Extraction, error) {
	body, err := json.Marshal(extractRequest{Content: content})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: extraction service: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: extraction service returned %d", models.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, data)
	}

	var parsed Extraction
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode extract response: %w", err)
	}
	return &parsed, nil
}

// disabledClient is returned when no extraction service is configured.
type disabledClient struct{}

func (disabledClient) Enabled() bool { return false }

func (disabledClient) Extract(context.Context, string) (*Extraction, error) {
	return &Extraction{}, nil
}
