package mcp

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the settings the demo server binaries read from a TOML file.
// Zero values fall back to defaults; Validate runs as part of LoadConfig.
type Config struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	BasePath    string   `toml:"base_path"`
	CorsOrigins []string `toml:"cors_origins"`
	LogLevel    string   `toml:"log_level"`

	// SharedHandler selects the domain handler lifetime policy: true runs every
	// session against one process-wide handler instance, false gives each
	// session a fresh one.
	SharedHandler bool `toml:"shared_handler"`

	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// DefaultConfig returns the configuration the demo binaries run with when no
// config file is given.
func DefaultConfig() Config {
	return Config{
		Name:                 "example-mcp-server-sse",
		Addr:                 ":3001",
		BasePath:             "/mcp",
		LogLevel:             "info",
		ShutdownGraceSeconds: 10,
	}
}

// LoadConfig reads, defaults, and validates a TOML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base_path must start with /, got %q", c.BasePath)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ShutdownGraceSeconds <= 0 {
		return fmt.Errorf("shutdown_grace_seconds must be positive, got %d", c.ShutdownGraceSeconds)
	}
	return nil
}

// SlogLevel maps the configured log level onto a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}
