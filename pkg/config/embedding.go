package config

import "time"

// EmbeddingConfig configures the external embedding service used for
// vector search and crawl chunk indexing.
type EmbeddingConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Dims    int           `yaml:"dims"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultEmbeddingConfig returns the built-in embedding defaults.
// The service is disabled until a URL is configured.
func DefaultEmbeddingConfig() *EmbeddingConfig {
	return &EmbeddingConfig{
		Enabled: false,
		URL:     "",
		Dims:    1536,
		Timeout: 30 * time.Second,
	}
}
