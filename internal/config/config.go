// Package config loads syncq settings from defaults, an optional config file
// and SYNCQ_* environment variables.
//
// Precedence (highest first): explicit overrides set through Viper, environment
// variables (SYNCQ_API_BASE_URL, SYNCQ_DISPATCH_INTERVAL, ...), the config file,
// and the defaults below.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "SYNCQ"

// Config is the effective configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	API          APIConfig          `mapstructure:"api"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Import       ImportConfig       `mapstructure:"import"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Log          LogConfig          `mapstructure:"log"`

	// file the config was read from, empty if none
	file string
}

// APIConfig describes the server tasks are replayed against.
type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	AuthHeader string        `mapstructure:"auth_header"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// ConnectivityConfig configures the optional reachability heartbeat.
type ConnectivityConfig struct {
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	MinServerVersion string        `mapstructure:"min_server_version"`
}

// DashboardConfig configures the read-only queue dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ImportConfig configures the bulk-import spool directory.
type ImportConfig struct {
	SpoolDir string `mapstructure:"spool_dir"`
}

// AgentConfig configures the AI agent backend used for prompt imports.
type AgentConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// LogConfig configures log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stderr     bool   `mapstructure:"stderr"`
}

// DefaultDataDir returns ~/.syncq, or .syncq when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".syncq"
	}
	return filepath.Join(home, ".syncq")
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment overrides to apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.auth_header", "Authorization")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("dispatch.interval", 30*time.Second)
	v.SetDefault("dispatch.max_attempts", 8)
	v.SetDefault("dispatch.backoff_base", 2*time.Second)
	v.SetDefault("dispatch.backoff_max", 5*time.Minute)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.min_server_version", "")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("import.spool_dir", "")

	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.model", "claude-sonnet-4-5")
	v.SetDefault("agent.max_tokens", 1024)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.stderr", true)
}

// New returns a Viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. If file is empty, syncq.{yaml,toml,json} is looked
// up in the working directory and the default data dir; a missing file is
// not an error.
func Load(file string) (*Config, error) {
	v := New()
	return LoadWith(v, file)
}

// LoadWith reads configuration into an existing Viper instance, which lets
// callers bind flags before loading.
func LoadWith(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("syncq")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.file = v.ConfigFileUsed()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// File returns the config file that was read, or "" if none.
func (c *Config) File() string {
	return c.file
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api.base_url %q must be an absolute http(s) URL", c.API.BaseURL)
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Dispatch.Interval <= 0 {
		return fmt.Errorf("dispatch.interval must be positive")
	}
	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts cannot be negative")
	}
	if c.Dispatch.BackoffBase < 0 || c.Dispatch.BackoffMax < 0 {
		return fmt.Errorf("dispatch backoff cannot be negative")
	}
	if c.Connectivity.ProbeURL != "" {
		if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
			return fmt.Errorf("connectivity probe interval and timeout must be positive")
		}
	}
	if v := c.Connectivity.MinServerVersion; v != "" {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if !semver.IsValid(v) {
			return fmt.Errorf("connectivity.min_server_version %q is not a semantic version", c.Connectivity.MinServerVersion)
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// DBPath is the queue database inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// Settings returns the configuration as nested maps with durations as strings
// and secrets masked, ready for rendering.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"api": map[string]any{
			"base_url":    c.API.BaseURL,
			"token":       mask(c.API.Token),
			"auth_header": c.API.AuthHeader,
			"timeout":     c.API.Timeout.String(),
		},
		"dispatch": map[string]any{
			"interval":     c.Dispatch.Interval.String(),
			"max_attempts": c.Dispatch.MaxAttempts,
			"backoff_base": c.Dispatch.BackoffBase.String(),
			"backoff_max":  c.Dispatch.BackoffMax.String(),
		},
		"connectivity": map[string]any{
			"probe_url":          c.Connectivity.ProbeURL,
			"probe_interval":     c.Connectivity.ProbeInterval.String(),
			"probe_timeout":      c.Connectivity.ProbeTimeout.String(),
			"min_server_version": c.Connectivity.MinServerVersion,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"host":    c.Dashboard.Host,
			"port":    c.Dashboard.Port,
		},
		"import": map[string]any{
			"spool_dir": c.Import.SpoolDir,
		},
		"agent": map[string]any{
			"api_key":    mask(c.Agent.APIKey),
			"model":      c.Agent.Model,
			"max_tokens": c.Agent.MaxTokens,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"stderr":       c.Log.Stderr,
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// Render encodes Settings as "yaml" or "toml".
func (c *Config) Render(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		out, err := yaml.Marshal(c.Settings())
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return out, nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c.Settings()); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}
