package config

import "time"

// CrawlerConfig controls the crawl pipeline.
type CrawlerConfig struct {
	MaxDepth     int           `yaml:"max_depth"`
	MaxPages     int           `yaml:"max_pages"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	UserAgent    string        `yaml:"user_agent"`

	// ChunkSize and ChunkOverlap control content segmentation (characters).
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultCrawlerConfig returns the built-in crawler defaults.
func DefaultCrawlerConfig() *CrawlerConfig {
	return &CrawlerConfig{
		MaxDepth:     2,
		MaxPages:     100,
		FetchTimeout: 30 * time.Second,
		UserAgent:    "sibyl-crawler/1.0",
		ChunkSize:    1200,
		ChunkOverlap: 200,
	}
}
