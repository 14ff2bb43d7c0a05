package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lazycal/internal/domain"
	"lazycal/internal/schedule"
	"lazycal/internal/store"
)

const FileName = "lazycal.yml"

// Config models lazycal.yml.
type Config struct {
	Reminder struct {
		Time            string        `yaml:"time"`
		Enabled         bool          `yaml:"enabled"`
		IntervalSeconds int           `yaml:"interval_seconds"`
		Webhook         WebhookConfig `yaml:"webhook"`
	} `yaml:"reminder"`
	Tasks struct {
		DefaultProcrastination float64  `yaml:"default_procrastination"`
		DefaultPriority        int      `yaml:"default_priority"`
		DefaultUnit            string   `yaml:"default_unit"`
		ProgressMode           string   `yaml:"progress_mode"`
		Units                  []string `yaml:"units"`
	} `yaml:"tasks"`
	Server struct {
		Addr         string `yaml:"addr"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
}

// WebhookConfig posts each reminder to an HTTP endpoint. An empty URL disables it.
type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := schedule.ParseClock(c.Reminder.Time); err != nil {
		return fmt.Errorf("config.reminder.time: %w", err)
	}
	if c.Reminder.IntervalSeconds <= 0 {
		return fmt.Errorf("config.reminder.interval_seconds must be > 0")
	}
	if u := c.Reminder.Webhook.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("config.reminder.webhook.url must be an http(s) URL")
	}
	if c.Reminder.Webhook.TimeoutSeconds < 0 {
		return fmt.Errorf("config.reminder.webhook.timeout_seconds must be >= 0")
	}
	if c.Tasks.DefaultProcrastination < 0 || c.Tasks.DefaultProcrastination > store.MaxProcrastinationCoeff {
		return fmt.Errorf("config.tasks.default_procrastination must be between 0 and %d", store.MaxProcrastinationCoeff)
	}
	if c.Tasks.DefaultPriority < 1 || c.Tasks.DefaultPriority > 5 {
		return fmt.Errorf("config.tasks.default_priority must be between 1 and 5")
	}
	if !store.ProgressMode(c.Tasks.ProgressMode).Valid() {
		return fmt.Errorf("config.tasks.progress_mode must be 'delta' or 'absolute'")
	}
	for _, u := range c.Tasks.Units {
		if u == "" {
			return fmt.Errorf("config.tasks.units contains an empty unit")
		}
	}
	if c.Tasks.DefaultUnit == "" {
		return fmt.Errorf("config.tasks.default_unit is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

func (c *Config) ReminderInterval() time.Duration {
	return time.Duration(c.Reminder.IntervalSeconds) * time.Second
}

// Settings are the reminder settings a fresh workspace starts with.
func (c *Config) Settings() domain.Settings {
	return domain.Settings{ReminderTime: c.Reminder.Time, ReminderEnabled: c.Reminder.Enabled}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lazycal init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("default config yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `reminder:
  time: "17:00"
  enabled: true
  interval_seconds: 60
  webhook:
    url: ""
    timeout_seconds: 5

tasks:
  default_procrastination: 0.5
  default_priority: 3
  default_unit: pages
  # delta: re-entering a day's amount only counts the increase.
  # absolute: every entry is subtracted in full.
  progress_mode: delta
  units: [pages, points, hours, items, chapters, exercises]

server:
  addr: 127.0.0.1:7070
  jwt_secret_env: LAZYCAL_JWT_SECRET
`
