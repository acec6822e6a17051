package config

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedWSOrigins lists origins accepted for WebSocket upgrades.
	// Empty means same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultAPIConfig returns the built-in API server defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		Host:             "0.0.0.0",
		Port:             8888,
		AllowedWSOrigins: nil,
	}
}
