// Package config holds the process configuration for stagegate.
//
// A Config is built once at start from the embedded defaults, an optional YAML
// file and STAGEGATE_* environment overrides, then passed explicitly to every
// component that needs it. Nothing in this package is global.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Tracker kinds
const (
	TrackerSQLite = "sqlite"
	TrackerGitHub = "github"
)

// Config is the complete stagegate configuration
type Config struct {
	Templates   TemplatesConfig   `koanf:"templates"`
	Audit       AuditConfig       `koanf:"audit"`
	Tracker     TrackerConfig     `koanf:"tracker"`
	Transitions TransitionsConfig `koanf:"transitions"`
	Worker      WorkerConfig      `koanf:"worker"`
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Policy      PolicyConfig      `koanf:"policy"`
}

// TemplatesConfig locates the stage instruction templates
type TemplatesConfig struct {
	Dir string `koanf:"dir"`
	// Watch reloads templates when files change (serve mode only)
	Watch bool `koanf:"watch"`
}

// AuditConfig configures the audit trail database
type AuditConfig struct {
	DBPath string `koanf:"db_path"`
}

// TrackerConfig selects and configures the issue tracker adapter
type TrackerConfig struct {
	Kind              string  `koanf:"kind"`
	DBPath            string  `koanf:"db_path"`
	GitHubOwner       string  `koanf:"github_owner"`
	GitHubRepo        string  `koanf:"github_repo"`
	GitHubToken       string  `koanf:"github_token"`
	GitHubBaseURL     string  `koanf:"github_base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// TransitionsConfig bounds transition retries on concurrent tracker changes
type TransitionsConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// WorkerConfig configures the AI worker adapter
type WorkerConfig struct {
	Model          string        `koanf:"model"`
	MaxTokens      int           `koanf:"max_tokens"`
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

// ServerConfig configures the HTTP decision service
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
// It panics only if the embedded defaults are malformed, which tests rule out.
func Default() *Config {
	cfg, err := load(nil, false)
	if err != nil {
		panic(fmt.Sprintf("embedded default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Templates.Dir) == "" {
		return fmt.Errorf("templates.dir is required")
	}
	if strings.TrimSpace(c.Audit.DBPath) == "" {
		return fmt.Errorf("audit.db_path is required")
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if err := c.Transitions.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", c.Server.Port)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// Validate checks the tracker section
func (c TrackerConfig) Validate() error {
	switch c.Kind {
	case TrackerSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("tracker.db_path is required for the sqlite tracker")
		}
	case TrackerGitHub:
		if c.GitHubOwner == "" || c.GitHubRepo == "" {
			return fmt.Errorf("tracker.github_owner and tracker.github_repo are required for the github tracker")
		}
	default:
		return fmt.Errorf("tracker.kind must be %q or %q (got %q)", TrackerSQLite, TrackerGitHub, c.Kind)
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("tracker.requests_per_second must be positive (got %v)", c.RequestsPerSecond)
	}
	if c.Burst < 1 {
		return fmt.Errorf("tracker.burst must be at least 1 (got %d)", c.Burst)
	}
	return nil
}

// Validate checks the transitions section
func (c TransitionsConfig) Validate() error {
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("transitions.max_retries must be between 1 and 10 (got %d)", c.MaxRetries)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("transitions.retry_backoff must not be negative (got %v)", c.RetryBackoff)
	}
	return nil
}

// Validate checks the worker section. The API key is checked by the worker
// adapter when it is constructed, since most commands never call the worker.
func (c WorkerConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("worker.model is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("worker.max_tokens must be positive (got %d)", c.MaxTokens)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must not be negative (got %d)", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive (got %v)", c.Timeout)
	}
	return nil
}

// Validate checks the log section
func (c LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json' (got %q)", c.Format)
	}
	return nil
}
