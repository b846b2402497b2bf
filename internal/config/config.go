// Package config provides YAML-based configuration loading for Leadline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level Leadline configuration, loaded from leadline.yaml.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Hours      HoursConfig      `yaml:"hours"`
	Handoff    HandoffConfig    `yaml:"handoff"`
	Retry      RetryConfig      `yaml:"retry"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	CRM        CRMConfig        `yaml:"crm"`
	Console    ConsoleConfig    `yaml:"console"`
	Store      StoreConfig      `yaml:"store"`
	Ops        OpsConfig        `yaml:"ops"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// HoursConfig defines the business-hours schedule. Weekdays maps lowercase
// English weekday names to either "closed" or an "HH:MM-HH:MM" local-time
// interval, half-open on the right.
type HoursConfig struct {
	Timezone string            `yaml:"timezone"`
	Weekdays map[string]string `yaml:"weekdays"`
}

// HandoffConfig tunes the handoff state machine.
type HandoffConfig struct {
	ResumeCommands      []string `yaml:"resume_commands"`
	QuestionStreakLimit int      `yaml:"question_streak_limit"`
}

// RetryConfig is the inline retry policy applied to outbound calls.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	CallTimeout Duration `yaml:"call_timeout"`
}

// ReconcilerConfig tunes the pending-operations reconciler.
type ReconcilerConfig struct {
	Schedule          string   `yaml:"schedule"` // 5-field cron expression
	BatchLimit        int      `yaml:"batch_limit"`
	SweepWindow       Duration `yaml:"sweep_window"`
	StaleAfter        Duration `yaml:"stale_after"`
	DefaultMaxRetries int      `yaml:"default_max_retries"`
}

// CRMConfig holds the CRM REST endpoint and OAuth2 client credentials.
type CRMConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// ConsoleConfig selects and configures the support-console mirror.
type ConsoleConfig struct {
	Platform string               `yaml:"platform"` // "slack", "discord", or "none"
	Slack    SlackConsoleConfig   `yaml:"slack"`
	Discord  DiscordConsoleConfig `yaml:"discord"`
}

// SlackConsoleConfig holds Slack mirror credentials.
type SlackConsoleConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConsoleConfig holds Discord mirror credentials.
type DiscordConsoleConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// StoreConfig tunes the in-memory conversation store.
type StoreConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	Workers      int `yaml:"workers"`
	QueueSize    int `yaml:"queue_size"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "leadline"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Hours.Timezone == "" {
		c.Hours.Timezone = "America/Sao_Paulo"
	}
	if len(c.Handoff.ResumeCommands) == 0 {
		c.Handoff.ResumeCommands = []string{"retomar", "resume"}
	}
	if c.Handoff.QuestionStreakLimit == 0 {
		c.Handoff.QuestionStreakLimit = 2
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = Duration(500 * time.Millisecond)
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if c.Retry.CallTimeout == 0 {
		c.Retry.CallTimeout = Duration(10 * time.Second)
	}
	if c.Reconciler.Schedule == "" {
		c.Reconciler.Schedule = "*/5 * * * *"
	}
	if c.Reconciler.BatchLimit == 0 {
		c.Reconciler.BatchLimit = 50
	}
	if c.Reconciler.SweepWindow == 0 {
		c.Reconciler.SweepWindow = Duration(2 * time.Minute)
	}
	if c.Reconciler.StaleAfter == 0 {
		c.Reconciler.StaleAfter = Duration(10 * time.Minute)
	}
	if c.Reconciler.DefaultMaxRetries == 0 {
		c.Reconciler.DefaultMaxRetries = 3
	}
	if c.Console.Platform == "" {
		c.Console.Platform = "none"
	}
	if c.Store.HistoryLimit == 0 {
		c.Store.HistoryLimit = 50
	}
	if c.Store.Workers == 0 {
		c.Store.Workers = 4
	}
	if c.Store.QueueSize == 0 {
		c.Store.QueueSize = 256
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 8090
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Hours.Weekdays) == 0 {
		errs = append(errs, "hours.weekdays is required")
	}
	switch c.Console.Platform {
	case "none":
	case "slack":
		if c.Console.Slack.BotToken == "" {
			errs = append(errs, "console.slack.bot_token is required")
		}
		if c.Console.Slack.Channel == "" {
			errs = append(errs, "console.slack.channel is required")
		}
	case "discord":
		if c.Console.Discord.BotToken == "" {
			errs = append(errs, "console.discord.bot_token is required")
		}
		if c.Console.Discord.ChannelID == "" {
			errs = append(errs, "console.discord.channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("console.platform %q is not one of slack, discord, none", c.Console.Platform))
	}
	if c.CRM.BaseURL != "" {
		if c.CRM.TokenURL == "" {
			errs = append(errs, "crm.token_url is required when crm.base_url is set")
		}
		if c.CRM.ClientID == "" {
			errs = append(errs, "crm.client_id is required when crm.base_url is set")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
