// Package config loads the steamwatch service configuration from a YAML
// file with environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// State backends.
const (
	BackendFile      = "file"
	BackendEncrypted = "encrypted"
)

// Config is the steamwatch service configuration.
type Config struct {
	// Path of the file the config was loaded from.
	Path string `yaml:"-"`

	// DataDir holds persisted state. Empty means the exec-mode default.
	DataDir string `yaml:"data_dir"`

	State      StateConfig      `yaml:"state"`
	Hub        HubConfig        `yaml:"hub"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	LocalAgent LocalAgentConfig `yaml:"local_agent"`
	Steam      SteamConfig      `yaml:"steam"`
	Events     EventsConfig     `yaml:"events"`
}

// StateConfig selects where plugin state is persisted.
type StateConfig struct {
	// Backend is "file" (plain JSON) or "encrypted" (SQLCipher).
	Backend string `yaml:"backend"`
}

// HubConfig is the websocket connection to the agent hub.
// An empty endpoint disables the hub client.
type HubConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// HTTPConfig is the local request and notification surface.
// An empty listen address disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a rotated log file next to stderr output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LocalAgentConfig enables scanning this machine's process table.
type LocalAgentConfig struct {
	Enabled bool `yaml:"enabled"`
	// ID defaults to a stable id derived from the hostname.
	ID string `yaml:"id"`
}

// SteamConfig overrides Steam install discovery.
type SteamConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// EventsConfig sizes the event queues.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		State: StateConfig{Backend: BackendFile},
		HTTP:  HTTPConfig{Listen: "127.0.0.1:7878"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		LocalAgent: LocalAgentConfig{Enabled: true},
		Events:     EventsConfig{QueueSize: 64},
	}
}

// DefaultPath returns ~/.steamwatch/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".steamwatch", "config.yaml")
}

// Load reads the config at path (DefaultPath when empty) over the defaults,
// applies STEAMWATCH_* environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Path = path
	return cfg, nil
}

// GetEnv returns the trimmed value of key, or defaultValue if unset or empty.
func GetEnv(getenv func(string) string, key, defaultValue string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.DataDir = GetEnv(getenv, "STEAMWATCH_DATA_DIR", c.DataDir)
	c.State.Backend = GetEnv(getenv, "STEAMWATCH_STATE_BACKEND", c.State.Backend)
	c.Hub.Endpoint = GetEnv(getenv, "STEAMWATCH_HUB_URL", c.Hub.Endpoint)
	c.Hub.APIKey = GetEnv(getenv, "STEAMWATCH_HUB_API_KEY", c.Hub.APIKey)
	c.HTTP.Listen = GetEnv(getenv, "STEAMWATCH_HTTP_LISTEN", c.HTTP.Listen)
	c.HTTP.Token = GetEnv(getenv, "STEAMWATCH_HTTP_TOKEN", c.HTTP.Token)
	c.Log.Level = GetEnv(getenv, "STEAMWATCH_LOG_LEVEL", c.Log.Level)
	c.Log.File = GetEnv(getenv, "STEAMWATCH_LOG_FILE", c.Log.File)
	c.LocalAgent.ID = GetEnv(getenv, "STEAMWATCH_AGENT_ID", c.LocalAgent.ID)
	c.Steam.BaseDir = GetEnv(getenv, "STEAMWATCH_STEAM_DIR", c.Steam.BaseDir)

	if v := GetEnv(getenv, "STEAMWATCH_LOCAL_AGENT", ""); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.LocalAgent.Enabled = enabled
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case BackendFile, BackendEncrypted:
	default:
		return fmt.Errorf("unknown state backend %q (want %q or %q)", c.State.Backend, BackendFile, BackendEncrypted)
	}

	if c.Hub.Endpoint != "" {
		u, err := url.Parse(c.Hub.Endpoint)
		if err != nil {
			return fmt.Errorf("hub endpoint: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("hub endpoint must use ws or wss, got %q", u.Scheme)
		}
	}

	if c.Hub.Endpoint == "" && !c.LocalAgent.Enabled {
		return fmt.Errorf("no agent source: set hub.endpoint or enable local_agent")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	return nil
}

// LogLevel returns the parsed log level. Call after Validate.
func (c *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Save writes the config to its path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
