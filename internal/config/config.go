package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models loadline.yml.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Tension     TensionConfig     `yaml:"tension"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Auth        AuthConfig        `yaml:"auth"`
	Webhooks    []WebhookConfig   `yaml:"webhooks,omitempty"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens. LOADLINE_JWT_SECRET overrides it.
	JWTSecret     string `yaml:"jwt_secret"`
	AllowDevLogin bool   `yaml:"allow_dev_login"`
}

// WebhookConfig forwards domain events to an external URL.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// TensionConfig holds the default thresholds; RH settings override them at runtime.
type TensionConfig struct {
	Overload Thresholds `yaml:"overload"`
	Ratio    Thresholds `yaml:"ratio"`
}

type Thresholds struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

type ReliabilityConfig struct {
	HistoryWindow int     `yaml:"history_window"`
	MinScore      float64 `yaml:"min_score"`
	MaxScore      float64 `yaml:"max_score"`
}

type RealtimeConfig struct {
	// Broker is "local" for a single instance or "sql" to relay through the shared database.
	Broker       string        `yaml:"broker"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ll config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, t := range map[string]Thresholds{"overload": c.Tension.Overload, "ratio": c.Tension.Ratio} {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("config.tension.%s: %w", name, err)
		}
	}
	if c.Reliability.HistoryWindow <= 0 {
		return fmt.Errorf("config.reliability.history_window must be positive")
	}
	if c.Reliability.MinScore < 0 || c.Reliability.MaxScore > 1 || c.Reliability.MinScore > c.Reliability.MaxScore {
		return fmt.Errorf("config.reliability bounds must satisfy 0 <= min_score <= max_score <= 1")
	}
	switch c.Realtime.Broker {
	case "local", "sql":
	default:
		return fmt.Errorf("config.realtime.broker must be 'local' or 'sql'")
	}
	if c.Realtime.Broker == "sql" && c.Realtime.PollInterval <= 0 {
		return fmt.Errorf("config.realtime.poll_interval must be positive for the sql broker")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Validate checks that thresholds are non-negative and ordered.
func (t Thresholds) Validate() error {
	if t.Moderate < 0 {
		return fmt.Errorf("moderate threshold must not be negative")
	}
	if t.Moderate > t.High || t.High > t.Critical {
		return fmt.Errorf("thresholds must satisfy moderate <= high <= critical")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loadline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

const defaultTemplate = `log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v1

tension:
  # percentage of members declaring a HIGH workload
  overload:
    moderate: 30
    high: 50
    critical: 70
  # open reinforcement requests per team member
  ratio:
    moderate: 0.3
    high: 0.5
    critical: 0.8

reliability:
  history_window: 50
  min_score: 0.4
  max_score: 1.0

realtime:
  broker: local
  poll_interval: 1s
  retention: 10m

auth:
  jwt_secret: ""
  allow_dev_login: false
`
