// Package config reads process configuration from the environment at
// startup. There is no hot reload: each process parses once and passes the
// result down its dependency graph.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-derived configuration shared by all roles.
type Config struct {
	// Port is the well-known loopback port the relay election races for.
	Port int `env:"BROWSERCLAW_PORT" envDefault:"54321"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"BROWSERCLAW_LOG_LEVEL" envDefault:"info"`

	// OperationTimeout is the default per-operation deadline. Individual
	// commands may override it downward or upward.
	OperationTimeout time.Duration `env:"BROWSERCLAW_OP_TIMEOUT" envDefault:"180s"`

	// Home is the state directory. Defaults to ~/.browserclaw.
	Home string `env:"BROWSERCLAW_HOME"`
}

// Load parses the environment and fills defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.OperationTimeout < 0 {
		return nil, fmt.Errorf("negative operation timeout %s", cfg.OperationTimeout)
	}
	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.Home = filepath.Join(home, ".browserclaw")
	}
	return cfg, nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OperationsDir is where the operation manager snapshots live.
func (c *Config) OperationsDir() string {
	return filepath.Join(c.Home, "operations")
}

// LogsDir is where rotating per-role logs live.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Home, "logs")
}

// ArchivePath is the sqlite file holding terminal operation records.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.Home, "operations.db")
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.OperationsDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
