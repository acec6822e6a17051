// Package config loads and validates the sibyl.yaml configuration: built-in
// defaults merged with the user file, with {{.ENV}} expansion inside values.
package config

// Config is the umbrella configuration object returned by Initialize()
// and passed through the application.
type Config struct {
	configDir string

	Database   *DatabaseConfig   `yaml:"database"`
	Graph      *GraphConfig      `yaml:"graph"`
	Queue      *QueueConfig      `yaml:"queue"`
	Approvals  *ApprovalConfig   `yaml:"approvals"`
	Agents     *AgentsConfig     `yaml:"agents"`
	Crawler    *CrawlerConfig    `yaml:"crawler"`
	Embedding  *EmbeddingConfig  `yaml:"embedding"`
	Extraction *ExtractionConfig `yaml:"extraction"`
	Hints      *HintsConfig      `yaml:"hints"`
	Slack      *SlackConfig      `yaml:"slack"`
	API        *APIConfig        `yaml:"api"`
	Retention  *RetentionConfig  `yaml:"retention"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// defaultConfig returns the built-in configuration all user values merge onto.
func defaultConfig() *Config {
	return &Config{
		Database:   DefaultDatabaseConfig(),
		Graph:      DefaultGraphConfig(),
		Queue:      DefaultQueueConfig(),
		Approvals:  DefaultApprovalConfig(),
		Agents:     DefaultAgentsConfig(),
		Crawler:    DefaultCrawlerConfig(),
		Embedding:  DefaultEmbeddingConfig(),
		Extraction: DefaultExtractionConfig(),
		Hints:      DefaultHintsConfig(),
		Slack:      DefaultSlackConfig(),
		API:        DefaultAPIConfig(),
		Retention:  DefaultRetentionConfig(),
	}
}
