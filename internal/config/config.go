// Package config provides YAML-based configuration loading for the Stageline
// server and worker.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stageline configuration, loaded from stageline.yaml.
type Config struct {
	Workspace     string              `yaml:"workspace"`
	PipelineFile  string              `yaml:"pipeline_file"`
	Database      DatabaseConfig      `yaml:"database"`
	Server        ServerConfig        `yaml:"server"`
	Worker        WorkerConfig        `yaml:"worker"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Executors     ExecutorsConfig     `yaml:"executors"`
	Jury          JuryConfig          `yaml:"jury"`
}

// DatabaseConfig selects and addresses the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file, or ":memory:"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	AuthSecret string `yaml:"auth_secret"`
}

// WorkerConfig holds job worker defaults. Per-workspace settings stored in the
// database take precedence where both exist.
type WorkerConfig struct {
	PollInterval     time.Duration   `yaml:"poll_interval"`
	StaleThreshold   time.Duration   `yaml:"stale_threshold"`
	ExecutionTimeout time.Duration   `yaml:"execution_timeout"`
	LockDir          string          `yaml:"lock_dir"`
	Retry            RetryConfig     `yaml:"retry"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
}

// RetryConfig bounds retries of failed job executions.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RateLimitConfig describes the external request/token budget.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Tokens   int           `yaml:"tokens"`
	Window   time.Duration `yaml:"window"`
}

// NotificationsConfig configures delivery sinks and expiry purging.
type NotificationsConfig struct {
	PurgeSchedule string        `yaml:"purge_schedule"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
}

// SlackConfig enables the Slack sink when BotToken is set.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig enables the Discord sink when BotToken is set.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// ExecutorsConfig configures the server-side job executors.
type ExecutorsConfig struct {
	Gemini GeminiConfig `yaml:"gemini"`
	GitHub GitHubConfig `yaml:"github"`
}

// GeminiConfig enables the Gemini generation executor when APIKey is set.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// GitHubConfig enables the GitHub issue executor when Token is set.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// JuryConfig locates the persona pool used for jury evaluations.
type JuryConfig struct {
	PersonasDir    string  `yaml:"personas_dir"`
	Size           int     `yaml:"size"`
	SkepticMinimum float64 `yaml:"skeptic_minimum"`
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

// Default returns a configuration suitable for local use with sqlite.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = "default"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "stageline.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "stageline_" + c.Workspace
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 2 * time.Second
	}
	if c.Worker.StaleThreshold == 0 {
		c.Worker.StaleThreshold = 10 * time.Second
	}
	if c.Worker.ExecutionTimeout == 0 {
		c.Worker.ExecutionTimeout = 10 * time.Minute
	}
	if c.Worker.Retry.MaxAttempts == 0 {
		c.Worker.Retry.MaxAttempts = 3
	}
	if c.Worker.Retry.BaseDelay == 0 {
		c.Worker.Retry.BaseDelay = 30 * time.Second
	}
	if c.Worker.Retry.MaxDelay == 0 {
		c.Worker.Retry.MaxDelay = 10 * time.Minute
	}
	if c.Worker.RateLimit.Requests == 0 {
		c.Worker.RateLimit.Requests = 60
	}
	if c.Worker.RateLimit.Tokens == 0 {
		c.Worker.RateLimit.Tokens = 200000
	}
	if c.Worker.RateLimit.Window == 0 {
		c.Worker.RateLimit.Window = time.Minute
	}
	if c.Notifications.PurgeSchedule == "" {
		c.Notifications.PurgeSchedule = "*/15 * * * *"
	}
	if c.Executors.Gemini.Model == "" {
		c.Executors.Gemini.Model = "gemini-1.5-pro"
	}
	if c.Jury.Size == 0 {
		c.Jury.Size = 25
	}
	if c.Jury.SkepticMinimum == 0 {
		c.Jury.SkepticMinimum = 0.15
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Worker.PollInterval < 0 {
		errs = append(errs, "worker.poll_interval must be positive")
	}
	if c.Worker.Retry.MaxAttempts < 1 {
		errs = append(errs, "worker.retry.max_attempts must be at least 1")
	}
	if c.Worker.Retry.MaxDelay < c.Worker.Retry.BaseDelay {
		errs = append(errs, "worker.retry.max_delay must not be less than base_delay")
	}
	if c.Worker.RateLimit.Requests < 0 || c.Worker.RateLimit.Tokens < 0 {
		errs = append(errs, "worker.rate_limit budgets must not be negative")
	}
	if c.Executors.GitHub.Token != "" && (c.Executors.GitHub.Owner == "" || c.Executors.GitHub.Repo == "") {
		errs = append(errs, "executors.github requires owner and repo when token is set")
	}
	if c.Jury.SkepticMinimum < 0 || c.Jury.SkepticMinimum > 1 {
		errs = append(errs, "jury.skeptic_minimum must be within [0,1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
