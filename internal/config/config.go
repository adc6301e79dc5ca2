package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models paceline.yml.
type Config struct {
	Assistant struct {
		Name string `yaml:"name"`
	} `yaml:"assistant"`
	Timeouts struct {
		ReminderMinutes   int `yaml:"reminder_minutes"`
		CleanupMinutes    int `yaml:"cleanup_minutes"`
		ResumeWindowHours int `yaml:"resume_window_hours"`
	} `yaml:"timeouts"`
	Monitor struct {
		TaskTypes       []string `yaml:"task_types"`
		IntervalSeconds int      `yaml:"interval_seconds"`
	} `yaml:"monitor"`
	Notifier struct {
		URL            string `yaml:"url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notifier"`
	Flows map[string]FlowConfig `yaml:"flows"`
}

// FlowConfig describes one multi-step conversation flow.
type FlowConfig struct {
	// Phrase is the human description used in reminder messages,
	// e.g. "adding a client".
	Phrase string `yaml:"phrase"`
}

const fallbackPhrase = "completing a task"

func (c *Config) ReminderTimeout() time.Duration {
	return time.Duration(c.Timeouts.ReminderMinutes) * time.Minute
}

func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Timeouts.CleanupMinutes) * time.Minute
}

func (c *Config) ResumeWindow() time.Duration {
	return time.Duration(c.Timeouts.ResumeWindowHours) * time.Hour
}

func (c *Config) NotifierTimeout() time.Duration {
	return time.Duration(c.Notifier.TimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// Monitored reports whether tasks of the given flow type are subject to
// timeout processing.
func (c *Config) Monitored(taskType string) bool {
	for _, t := range c.Monitor.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Phrase returns the human description of a flow type for reminder and
// analytics text. Unknown types fall back to a generic phrase.
func (c *Config) Phrase(taskType string) string {
	if f, ok := c.Flows[taskType]; ok && f.Phrase != "" {
		return f.Phrase
	}
	return fallbackPhrase
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Timeouts.ReminderMinutes <= 0 {
		return fmt.Errorf("config.timeouts.reminder_minutes must be positive")
	}
	if c.Timeouts.CleanupMinutes <= c.Timeouts.ReminderMinutes {
		return fmt.Errorf("config.timeouts.cleanup_minutes must exceed reminder_minutes")
	}
	if c.Timeouts.ResumeWindowHours <= 0 {
		return fmt.Errorf("config.timeouts.resume_window_hours must be positive")
	}
	if len(c.Monitor.TaskTypes) == 0 {
		return fmt.Errorf("config.monitor.task_types is required")
	}
	for _, t := range c.Monitor.TaskTypes {
		if t == "" {
			return fmt.Errorf("config.monitor.task_types contains an empty type")
		}
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("config.monitor.interval_seconds must be positive")
	}
	if c.Notifier.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.notifier.timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paceline.yml")
}

// Load reads and validates config from the workspace, falling back to the
// defaults when no file exists.
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

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their defaults.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `assistant:
  name: paceline

timeouts:
  reminder_minutes: 5
  cleanup_minutes: 15
  resume_window_hours: 24

monitor:
  task_types:
    - add_client_choice
    - client_registration
    - profile_edit
    - workout_plan_setup
  interval_seconds: 60

notifier:
  url: ""
  secret: ""
  timeout_seconds: 5

flows:
  add_client_choice:
    phrase: "adding a client"
  client_registration:
    phrase: "registering a new client"
  profile_edit:
    phrase: "editing a profile"
  workout_plan_setup:
    phrase: "setting up a workout plan"
`
