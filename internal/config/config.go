// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"upnext/backend"
	"upnext/internal/retry"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Config represents the application configuration
type Config struct {
	DefaultBackend string         `yaml:"default_backend"`
	OwnerID        string         `yaml:"owner_id"`
	Backends       BackendsConfig `yaml:"backends"`
	Queue          QueueConfig    `yaml:"queue"`
	Retry          RetryConfig    `yaml:"retry"`
	Logging        LoggingConfig  `yaml:"logging"`
}

// BackendsConfig holds configuration for all backends
type BackendsConfig struct {
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite backend configuration
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL backend configuration. The password
// is never stored here; it comes from the system keyring or the
// UPNEXT_POSTGRES_PASSWORD environment variable.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	User    string `yaml:"user"`
}

// QueueConfig holds queue presentation settings
type QueueConfig struct {
	Window int `yaml:"window"` // visible window size (default: 7)
}

// RetryConfig holds the insert-conflict retry settings
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"` // e.g., "50ms"
	MaxDelay    string `yaml:"max_delay"`  // e.g., "1s"
	Jitter      *bool  `yaml:"jitter"`     // default: true
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DefaultBackend: "sqlite",
		Backends: BackendsConfig{
			SQLite: SQLiteConfig{
				Enabled: true,
				Path:    filepath.Join(GetDataDir(), "tasks.db"),
			},
		},
		Queue: QueueConfig{Window: 7},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one with defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	// Apply defaults for unset fields (but not backends - those must be explicit)
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = "sqlite"
	}
	if cfg.Queue.Window == 0 {
		cfg.Queue.Window = 7
	}

	if cfg.Backends.SQLite.Path == "" {
		cfg.Backends.SQLite.Path = filepath.Join(GetDataDir(), "tasks.db")
	} else {
		cfg.Backends.SQLite.Path = ExpandPath(cfg.Backends.SQLite.Path)
	}

	return cfg, nil
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	content := sampleConfig

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validBackends := map[string]bool{"sqlite": true, "postgres": true}
	if !validBackends[c.DefaultBackend] {
		return fmt.Errorf("unknown default_backend: %q", c.DefaultBackend)
	}

	switch c.DefaultBackend {
	case "sqlite":
		if !c.Backends.SQLite.Enabled {
			return errors.New("default backend 'sqlite' is not enabled in backends configuration")
		}
	case "postgres":
		if !c.Backends.Postgres.Enabled {
			return errors.New("default backend 'postgres' is not enabled in backends configuration")
		}
		if c.Backends.Postgres.DSN == "" {
			return errors.New("backends.postgres.dsn is required when postgres is enabled")
		}
	}

	if c.Queue.Window < 0 {
		return fmt.Errorf("queue.window must be positive, got %d", c.Queue.Window)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	for name, value := range map[string]string{
		"retry.base_delay": c.Retry.BaseDelay,
		"retry.max_delay":  c.Retry.MaxDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}

	return nil
}

// GetDatabasePath returns the path to the SQLite database
func (c *Config) GetDatabasePath() string {
	return c.Backends.SQLite.Path
}

// GetWindow returns the visible window size.
// Returns 7 (default) if not configured.
func (c *Config) GetWindow() int {
	if c.Queue.Window <= 0 {
		return 7
	}
	return c.Queue.Window
}

// IsVerbose returns true if verbose logging is enabled
func (c *Config) IsVerbose() bool {
	return c.Logging.Verbose
}

// RetryPolicy converts the retry settings into a policy for the
// stores. Unset fields fall back to the package defaults; conflicts
// stay the only retryable error kind.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Retryable = backend.IsConflict

	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if d, err := time.ParseDuration(c.Retry.BaseDelay); err == nil && d > 0 {
		p.BaseDelay = d
	}
	if d, err := time.ParseDuration(c.Retry.MaxDelay); err == nil && d > 0 {
		p.MaxDelay = d
	}
	if c.Retry.Jitter != nil {
		p.EnableJitter = *c.Retry.Jitter
	}
	return p
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "upnext")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "upnext")
	}
	return filepath.Join(home, fallbackPath, "upnext")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	path = os.ExpandEnv(path)

	return path
}
