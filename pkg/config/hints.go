package config

// HintsConfig configures the status hint generator that summarizes what an
// agent is currently doing into a short human-readable phrase.
type HintsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens"`
}

// DefaultHintsConfig returns the built-in status hint defaults.
func DefaultHintsConfig() *HintsConfig {
	return &HintsConfig{
		Enabled:   false,
		Model:     "claude-3-5-haiku-latest",
		APIKeyEnv: "ANTHROPIC_API_KEY",
		MaxTokens: 64,
	}
}
