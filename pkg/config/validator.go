package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateDatabase(); err != nil {
		return err
	}
	if err := v.validateGraph(); err != nil {
		return err
	}
	if err := v.validateQueue(); err != nil {
		return err
	}
	if err := v.validateApprovals(); err != nil {
		return err
	}
	if err := v.validateIntegrations(); err != nil {
		return err
	}
	if err := v.validateAPI(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateDatabase() error {
	db := v.cfg.Database
	if db.Host == "" {
		return NewValidationError("database", "host", ErrMissingRequiredField)
	}
	if db.Port <= 0 || db.Port > 65535 {
		return NewValidationError("database", "port", fmt.Errorf("%w: %d", ErrInvalidValue, db.Port))
	}
	if db.Database == "" {
		return NewValidationError("database", "database", ErrMissingRequiredField)
	}
	if db.MaxOpenConns < 1 {
		return NewValidationError("database", "max_open_conns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateGraph() error {
	g := v.cfg.Graph
	if g.Addr == "" {
		return NewValidationError("graph", "addr", ErrMissingRequiredField)
	}
	if g.KeyPrefix == "" {
		return NewValidationError("graph", "key_prefix", ErrMissingRequiredField)
	}
	if g.EmbeddingDims < 1 {
		return NewValidationError("graph", "embedding_dims", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.MaxAttempts < 1 {
		return NewValidationError("queue", "max_attempts", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.OrphanThreshold <= q.HeartbeatInterval {
		return NewValidationError("queue", "orphan_threshold",
			fmt.Errorf("%w: must exceed heartbeat_interval or running jobs get reclaimed", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateApprovals() error {
	a := v.cfg.Approvals
	if a.WaitTimeout <= 0 {
		return NewValidationError("approvals", "wait_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.QuestionTimeout <= 0 {
		return NewValidationError("approvals", "question_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.ExpiryWindow < a.WaitTimeout {
		return NewValidationError("approvals", "expiry_window",
			fmt.Errorf("%w: must be at least wait_timeout", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateIntegrations() error {
	if v.cfg.Embedding.Enabled {
		if v.cfg.Embedding.URL == "" {
			return NewValidationError("embedding", "url", fmt.Errorf("%w when embedding is enabled", ErrMissingRequiredField))
		}
		if v.cfg.Embedding.Dims != v.cfg.Graph.EmbeddingDims {
			return NewValidationError("embedding", "dims",
				fmt.Errorf("%w: embedding dims %d must match graph embedding_dims %d",
					ErrInvalidValue, v.cfg.Embedding.Dims, v.cfg.Graph.EmbeddingDims))
		}
	}
	if v.cfg.Extraction.Enabled && v.cfg.Extraction.URL == "" {
		return NewValidationError("extraction", "url", fmt.Errorf("%w when extraction is enabled", ErrMissingRequiredField))
	}
	if v.cfg.Hints.Enabled && v.cfg.Hints.Model == "" {
		return NewValidationError("hints", "model", fmt.Errorf("%w when hints are enabled", ErrMissingRequiredField))
	}
	if v.cfg.Slack.Enabled && v.cfg.Slack.Channel == "" {
		return NewValidationError("slack", "channel", fmt.Errorf("%w when slack is enabled", ErrMissingRequiredField))
	}
	return nil
}

func (v *ConfigValidator) validateAPI() error {
	api := v.cfg.API
	if api.Port <= 0 || api.Port > 65535 {
		return NewValidationError("api", "port", fmt.Errorf("%w: %d", ErrInvalidValue, api.Port))
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
