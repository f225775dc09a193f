package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models mavline.yml.
type Config struct {
	Executor struct {
		MaxStepRetries int `yaml:"max_step_retries"`
		LockTTLSeconds int `yaml:"lock_ttl_seconds"`
		DefaultPerPage int `yaml:"default_per_page"`
		MaxPerPage     int `yaml:"max_per_page"`
	} `yaml:"executor"`
	Workflows struct {
		Default  string   `yaml:"default"`
		Disabled []string `yaml:"disabled"`
	} `yaml:"workflows"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Executor.MaxStepRetries < 1 {
		return fmt.Errorf("config.executor.max_step_retries must be >= 1")
	}
	if c.Executor.LockTTLSeconds < 1 {
		return fmt.Errorf("config.executor.lock_ttl_seconds must be >= 1")
	}
	if c.Executor.DefaultPerPage < 1 || c.Executor.DefaultPerPage > c.Executor.MaxPerPage {
		return fmt.Errorf("config.executor.default_per_page must be between 1 and max_per_page")
	}
	if c.Executor.MaxPerPage < 1 || c.Executor.MaxPerPage > 100 {
		return fmt.Errorf("config.executor.max_per_page must be between 1 and 100")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mavline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `executor:
  # Attempts per step before the session takes the rollback path.
  max_step_retries: 3
  # How long a project lock is valid before a crashed worker's lock
  # self-expires and another worker may resume the session.
  lock_ttl_seconds: 300
  default_per_page: 20
  max_per_page: 100

workflows:
  default: maven_maintenance
  disabled: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []
`
