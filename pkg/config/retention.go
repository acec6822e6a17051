package config

import "time"

// RetentionConfig configures the periodic cleanup of durable event rows.
// The events table backs WebSocket catch-up and truncation rehydration,
// both of which only ever read recent history.
type RetentionConfig struct {
	// EventTTL is how long event rows are kept before deletion.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup pass runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:        72 * time.Hour,
		CleanupInterval: time.Hour,
	}
}
