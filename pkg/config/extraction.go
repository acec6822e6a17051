package config

import "time"

// ExtractionConfig configures the external extraction service that turns
// raw episodic content into structured entities and relationships.
type ExtractionConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultExtractionConfig returns the built-in extraction defaults.
// Extraction is disabled until a URL is configured; entities created
// while disabled skip the episodic staging path.
func DefaultExtractionConfig() *ExtractionConfig {
	return &ExtractionConfig{
		Enabled: false,
		URL:     "",
		Timeout: 60 * time.Second,
	}
}
