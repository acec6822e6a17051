package config

import "time"

// GraphConfig holds FalkorDB connection settings. Each tenant's entities live
// in their own graph keyed "{key_prefix}{tenant_id}".
type GraphConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KeyPrefix namespaces graph keys, one graph per tenant.
	KeyPrefix string `yaml:"key_prefix"`

	// EmbeddingDims is the dimension of the name_embedding vector index.
	// Must match the embedder's output dimension.
	EmbeddingDims int `yaml:"embedding_dims"`

	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultGraphConfig returns the built-in graph defaults.
func DefaultGraphConfig() *GraphConfig {
	return &GraphConfig{
		Addr:          "localhost:6379",
		KeyPrefix:     "sibyl_",
		EmbeddingDims: 1536,
		QueryTimeout:  30 * time.Second,
	}
}
