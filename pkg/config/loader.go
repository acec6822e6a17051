package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the single configuration file Sibyl reads from configDir.
const configFileName = "sibyl.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load sibyl.yaml from configDir (missing file falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values onto built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration file and merge with defaults
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"database", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database),
		"graph", cfg.Graph.Addr,
		"workers", cfg.Queue.WorkerCount,
		"embedding_enabled", cfg.Embedding.Enabled,
		"extraction_enabled", cfg.Extraction.Enabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	defaults := defaultConfig()
	defaults.configDir = configDir

	user, err := loadSibylYAML(configDir)
	if err != nil {
		return nil, NewLoadError(configFileName, err)
	}
	if user == nil {
		// No file on disk. Defaults alone are a valid configuration.
		slog.Warn("Configuration file not found, using built-in defaults",
			"path", filepath.Join(configDir, configFileName))
		return defaults, nil
	}

	// Merge each user-provided section into defaults (non-zero values override).
	// Sections absent from the file keep their defaults untouched.
	if err := mergeSections(defaults, user); err != nil {
		return nil, err
	}

	return defaults, nil
}

// loadSibylYAML reads and parses sibyl.yaml. A missing file returns (nil, nil)
// so the caller can fall back to defaults.
func loadSibylYAML(configDir string) (*Config, error) {
	path := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &user, nil
}

// mergeSections merges every non-nil user section onto the matching default
// section. Start with defaults, then merge user config on top to preserve
// unset defaults.
func mergeSections(defaults, user *Config) error {
	merge := func(section string, dst, src any) error {
		if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s config: %w", section, err)
		}
		return nil
	}

	if user.Database != nil {
		if err := merge("database", defaults.Database, user.Database); err != nil {
			return err
		}
	}
	if user.Graph != nil {
		if err := merge("graph", defaults.Graph, user.Graph); err != nil {
			return err
		}
	}
	if user.Queue != nil {
		if err := merge("queue", defaults.Queue, user.Queue); err != nil {
			return err
		}
	}
	if user.Approvals != nil {
		if err := merge("approvals", defaults.Approvals, user.Approvals); err != nil {
			return err
		}
	}
	if user.Agents != nil {
		if err := merge("agents", defaults.Agents, user.Agents); err != nil {
			return err
		}
	}
	if user.Crawler != nil {
		if err := merge("crawler", defaults.Crawler, user.Crawler); err != nil {
			return err
		}
	}
	if user.Embedding != nil {
		if err := merge("embedding", defaults.Embedding, user.Embedding); err != nil {
			return err
		}
	}
	if user.Extraction != nil {
		if err := merge("extraction", defaults.Extraction, user.Extraction); err != nil {
			return err
		}
	}
	if user.Hints != nil {
		if err := merge("hints", defaults.Hints, user.Hints); err != nil {
			return err
		}
	}
	if user.Slack != nil {
		if err := merge("slack", defaults.Slack, user.Slack); err != nil {
			return err
		}
	}
	if user.API != nil {
		if err := merge("api", defaults.API, user.API); err != nil {
			return err
		}
	}
	if user.Retention != nil {
		if err := merge("retention", defaults.Retention, user.Retention); err != nil {
			return err
		}
	}

	return nil
}
