// Package config loads the server's process-level configuration from the
// environment. These knobs shape the transport and logging; per-client
// settings arrive over the protocol instead.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config for the stdio server. Defaults are provided via struct tags.
type Config struct {
	// ServerName is advertised in the initialize response. ENV: INDICATOR_LS_NAME
	ServerName string `env:"INDICATOR_LS_NAME,default=indicator-ls"`
	// ServerVersion is advertised in the initialize response. ENV: INDICATOR_LS_VERSION
	ServerVersion string `env:"INDICATOR_LS_VERSION,default=0.0.0"`

	// LargeMessageBytes is the advisory threshold above which an incoming
	// frame is logged but still processed. ENV: INDICATOR_LS_LARGE_MESSAGE_BYTES
	LargeMessageBytes int `env:"INDICATOR_LS_LARGE_MESSAGE_BYTES,default=10485760"`
	// MaxMessageBytes is the hard cap on a declared frame length; 0 disables
	// it. ENV: INDICATOR_LS_MAX_MESSAGE_BYTES
	MaxMessageBytes int `env:"INDICATOR_LS_MAX_MESSAGE_BYTES,default=67108864"`

	// WatchWorkspace enables the filesystem watcher over the workspace root
	// announced at initialize. ENV: INDICATOR_LS_WATCH_WORKSPACE
	WatchWorkspace bool `env:"INDICATOR_LS_WATCH_WORKSPACE,default=true"`

	// LogLevel is one of debug, info, warn, error. ENV: INDICATOR_LS_LOG_LEVEL
	LogLevel string `env:"INDICATOR_LS_LOG_LEVEL,default=info"`
}

// FromEnv populates a Config using envdecode.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps the configured level name to a slog.Level. Unknown names
// fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
