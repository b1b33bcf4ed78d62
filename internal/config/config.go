package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cadence/internal/policy"
)

// Config models cadence.yml.
type Config struct {
	Timezone string `yaml:"timezone"`
	Defaults struct {
		MaxMisses      int `yaml:"max_misses"`
		ScoreThreshold int `yaml:"score_threshold"`
		LockoutHours   int `yaml:"lockout_hours"`
	} `yaml:"defaults"`
	Scoring struct {
		Strategy string `yaml:"strategy"`
	} `yaml:"scoring"`
	Enforcement struct {
		WindowDays int `yaml:"window_days"`
	} `yaml:"enforcement"`
	Scheduler struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"scheduler"`
	Queue  QueueConfig `yaml:"queue"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type QueueConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	Concurrency   int           `yaml:"concurrency"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
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
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	if c.Defaults.MaxMisses < 1 {
		return fmt.Errorf("config.defaults.max_misses must be >= 1")
	}
	if c.Defaults.ScoreThreshold < 0 || c.Defaults.ScoreThreshold > 100 {
		return fmt.Errorf("config.defaults.score_threshold must be within [0,100]")
	}
	if c.Defaults.LockoutHours < 1 || c.Defaults.LockoutHours > policy.MaxLockoutHours {
		return fmt.Errorf("config.defaults.lockout_hours must be within [1,%d]", policy.MaxLockoutHours)
	}
	switch c.Scoring.Strategy {
	case "ratio", "weighted":
	default:
		return fmt.Errorf("config.scoring.strategy must be 'ratio' or 'weighted', got %q", c.Scoring.Strategy)
	}
	if c.Enforcement.WindowDays < 1 {
		return fmt.Errorf("config.enforcement.window_days must be >= 1")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be positive")
	}
	q := c.Queue
	if q.PollInterval <= 0 || q.LeaseTTL <= 0 || q.RetryBackoff <= 0 || q.RetryMaxDelay <= 0 || q.JobTimeout <= 0 {
		return fmt.Errorf("config.queue durations must be positive")
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be >= 1")
	}
	if q.Concurrency < 1 {
		return fmt.Errorf("config.queue.concurrency must be >= 1")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Location resolves the timezone used to derive calendar days.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cadence.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `timezone: UTC

# System defaults merged under every stored policy's rules.
defaults:
  max_misses: 3
  score_threshold: 50
  lockout_hours: 24

scoring:
  # ratio | weighted
  strategy: ratio

enforcement:
  window_days: 7

scheduler:
  enabled: true
  interval: 1h

queue:
  poll_interval: 2s
  lease_ttl: 5m
  max_attempts: 5
  retry_backoff: 10s
  retry_max_delay: 10m
  concurrency: 4
  job_timeout: 2m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
