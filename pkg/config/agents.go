package config

// AgentsConfig configures the agent runner and its connection to the external
// agent runtime service.
type AgentsConfig struct {
	// RuntimeURL is the base URL of the agent runtime service the runner
	// streams from. Empty disables agent execution on this process.
	RuntimeURL string `yaml:"runtime_url"`

	// RuntimeToken authenticates against the runtime service.
	// Use {{.SIBYL_RUNTIME_TOKEN}} in sibyl.yaml to source it from the env.
	RuntimeToken string `yaml:"runtime_token"`

	// SystemPrompt is prepended to every spawned agent.
	SystemPrompt string `yaml:"system_prompt"`

	// DefaultAgentType is used when a spawn request omits agent_type.
	DefaultAgentType string `yaml:"default_agent_type"`
}

// DefaultAgentsConfig returns the built-in agent runner defaults.
func DefaultAgentsConfig() *AgentsConfig {
	return &AgentsConfig{
		DefaultAgentType: "general",
	}
}
