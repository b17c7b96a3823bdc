// Package config loads and validates the fleetd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	BaseDelaySeconds int `yaml:"base_delay_seconds" json:"base_delay_seconds"`
	MaxRetries       int `yaml:"max_retries" json:"max_retries"`
	MaxPromptTokens  int `yaml:"max_prompt_tokens" json:"max_prompt_tokens"`
}

// ContainerConfig tunes container execution mode.
type ContainerConfig struct {
	Image              string `yaml:"image" json:"image"`
	MemoryMB           int64  `yaml:"memory_mb" json:"memory_mb"`
	NanoCPUs           int64  `yaml:"nano_cpus" json:"nano_cpus"`
	Network            string `yaml:"network" json:"network"`
	TmpfsSize          string `yaml:"tmpfs_size" json:"tmpfs_size"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds" json:"stop_timeout_seconds"`
}

// MonitorConfig tunes the failed-task sweep.
type MonitorConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
}

// JanitorConfig schedules terminal-task cleanup.
type JanitorConfig struct {
	Schedule string `yaml:"schedule" json:"schedule"` // cron expression
}

// OperatorConfig declares one operator in the static identity table.
type OperatorConfig struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	AutonomyLevel string `yaml:"autonomy_level" json:"autonomy_level"`
}

// TelegramConfig configures the external notification sink.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Token   string `yaml:"token" json:"token"`
	ChatID  int64  `yaml:"chat_id" json:"chat_id"`
}

// OtelConfig configures tracing and metrics export.
type OtelConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Exporter   string  `yaml:"exporter" json:"exporter"` // otlp-http | stdout | none
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Config is the full fleetd configuration.
type Config struct {
	HomeDir  string `yaml:"home_dir" json:"home_dir"`
	DBPath   string `yaml:"db_path" json:"db_path"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	RepoPath       string   `yaml:"repo_path" json:"repo_path"`
	WorktreeBase   string   `yaml:"worktree_base" json:"worktree_base"`
	Mode           string   `yaml:"mode" json:"mode"` // local | container
	InstallCommand []string `yaml:"install_command" json:"install_command"`
	HookFiles      []string `yaml:"hook_files" json:"hook_files"`

	// SecretsEnv names environment variables whose values are forwarded to
	// spawned agents. Values never appear in the config file itself.
	SecretsEnv []string `yaml:"secrets_env" json:"secrets_env"`

	TierLimits      map[string]int `yaml:"tier_limits" json:"tier_limits"`
	CacheTTLSeconds int            `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	Retry     RetryConfig      `yaml:"retry" json:"retry"`
	Container ContainerConfig  `yaml:"container" json:"container"`
	Monitor   MonitorConfig    `yaml:"monitor" json:"monitor"`
	Janitor   JanitorConfig    `yaml:"janitor" json:"janitor"`
	Operators []OperatorConfig `yaml:"operators" json:"operators"`
	Telegram  TelegramConfig   `yaml:"telegram" json:"telegram"`
	Otel      OtelConfig       `yaml:"otel" json:"otel"`
}

// DefaultHomeDir is where fleetd keeps its state.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetd")
}

// DefaultPath is the canonical config file location.
func DefaultPath() string {
	return filepath.Join(DefaultHomeDir(), "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.HomeDir == "" {
		c.HomeDir = DefaultHomeDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "fleetd.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorktreeBase == "" {
		c.WorktreeBase = filepath.Join(c.HomeDir, "worktrees")
	}
	if c.Mode == "" {
		c.Mode = "local"
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 30
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		c.Retry.BaseDelaySeconds = 5
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.MaxPromptTokens <= 0 {
		c.Retry.MaxPromptTokens = 16000
	}
	if c.Monitor.IntervalSeconds <= 0 {
		c.Monitor.IntervalSeconds = 60
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "0 3 * * *"
	}
	if c.Otel.Exporter == "" {
		c.Otel.Exporter = "none"
	}
	if c.Otel.SampleRate <= 0 {
		c.Otel.SampleRate = 1.0
	}
}

// CacheTTL returns the governor cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// BaseDelay returns the retry backoff base.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// MonitorInterval returns the retry sweep interval.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// Secrets resolves the configured secret names from the environment. Missing
// names are skipped; an empty map is valid.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.SecretsEnv))
	for _, name := range c.SecretsEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			out[name] = v
		}
	}
	return out
}

// Load reads, validates, and defaults the config at path. A missing file is
// not an error: everything has a default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := validate(data); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
