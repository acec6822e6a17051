package config

import "time"

// ApprovalConfig controls tool-call gating.
type ApprovalConfig struct {
	// WaitTimeout is how long a gated tool call blocks for a human decision
	// before the approval expires and the tool is denied.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// QuestionTimeout is the wait deadline for intercepted user-question
	// tool calls.
	QuestionTimeout time.Duration `yaml:"question_timeout"`

	// ExpiryWindow sets the approval entity's expires_at relative to creation.
	ExpiryWindow time.Duration `yaml:"expiry_window"`

	// QuestionExpiryWindow sets expires_at for question approvals.
	QuestionExpiryWindow time.Duration `yaml:"question_expiry_window"`

	// HighRiskDomains are URL patterns gated by the external-API matcher.
	HighRiskDomains []string `yaml:"high_risk_domains"`

	// ExtraSensitiveFilePatterns extends the built-in sensitive-path set
	// used by the file-write matcher.
	ExtraSensitiveFilePatterns []string `yaml:"extra_sensitive_file_patterns"`
}

// DefaultApprovalConfig returns the built-in approval defaults.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		WaitTimeout:          5 * time.Minute,
		QuestionTimeout:      30 * time.Minute,
		ExpiryWindow:         24 * time.Hour,
		QuestionExpiryWindow: 30 * time.Minute,
	}
}
