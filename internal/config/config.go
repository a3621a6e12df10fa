// Package config handles flowsync configuration loading and validation.
package config

import (
	"fmt"
	"time"
)

// Backend modes.
const (
	BackendPostgres = "postgres"
	BackendRealtime = "realtime"
	BackendMemory   = "memory"
)

// Config is the root configuration structure for flowsync.
type Config struct {
	// Backend selects and configures the row-store adapters.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Session holds the identity and credential.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Cache configures the local snapshot database.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Notifications holds the per-channel delivery preferences.
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`

	// Sync tunes the synchronization engine.
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// BackendConfig selects the row-store adapters.
type BackendConfig struct {
	// Mode is postgres, realtime, or memory. The realtime mode pulls
	// over Postgres and pushes over the websocket gateway.
	Mode string `yaml:"mode" mapstructure:"mode"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// GatewayURL is the websocket push gateway (ws:// or wss://).
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`
}

// SessionConfig holds the identity and credential.
type SessionConfig struct {
	// UserID is the authenticated user's id.
	UserID string `yaml:"user_id" mapstructure:"user_id"`

	// AccessToken is the bearer token for the push gateway. When it is
	// a JWT the engine watches its expiry and rotates ahead of it.
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`

	// RefreshCommand is an optional shell command that prints a fresh
	// access token; it runs shortly before the current token expires.
	RefreshCommand string `yaml:"refresh_command" mapstructure:"refresh_command"`
}

// CacheConfig configures the local snapshot database.
type CacheConfig struct {
	// Enabled turns warm-start snapshots on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the SQLite snapshot file (default: ~/.local/share/flowsync/cache.db).
	Path string `yaml:"path" mapstructure:"path"`
}

// ChannelPrefsConfig is one channel's delivery preferences.
type ChannelPrefsConfig struct {
	Sound  bool `yaml:"sound" mapstructure:"sound"`
	InApp  bool `yaml:"in_app" mapstructure:"in_app"`
	Native bool `yaml:"native" mapstructure:"native"`
}

// NotificationsConfig holds the per-channel delivery preferences.
type NotificationsConfig struct {
	Chat   ChannelPrefsConfig `yaml:"chat" mapstructure:"chat"`
	System ChannelPrefsConfig `yaml:"system" mapstructure:"system"`

	// SoundIntervalMs is the minimum spacing between alert sounds.
	SoundIntervalMs int `yaml:"sound_interval_ms" mapstructure:"sound_interval_ms"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	// FeedLimit is how many recent notifications the feed retains.
	FeedLimit int `yaml:"feed_limit" mapstructure:"feed_limit"`

	// RetainedRooms is how many room message caches are kept.
	RetainedRooms int `yaml:"retained_rooms" mapstructure:"retained_rooms"`

	// VisibilityDebounceMs delays the return-to-foreground refresh.
	VisibilityDebounceMs int `yaml:"visibility_debounce_ms" mapstructure:"visibility_debounce_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SoundInterval returns the configured sound spacing as a duration.
func (c *NotificationsConfig) SoundInterval() time.Duration {
	return time.Duration(c.SoundIntervalMs) * time.Millisecond
}

// VisibilityDebounce returns the configured debounce as a duration.
func (c *SyncConfig) VisibilityDebounce() time.Duration {
	return time.Duration(c.VisibilityDebounceMs) * time.Millisecond
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode: BackendMemory,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "~/.local/share/flowsync/cache.db",
		},
		Notifications: NotificationsConfig{
			Chat:            ChannelPrefsConfig{Sound: true, InApp: true, Native: true},
			System:          ChannelPrefsConfig{Sound: true, InApp: true, Native: true},
			SoundIntervalMs: 900,
		},
		Sync: SyncConfig{
			FeedLimit:            30,
			RetainedRooms:        8,
			VisibilityDebounceMs: 250,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendMemory:
	case BackendPostgres:
		if c.Backend.DSN == "" {
			return fmt.Errorf("backend.dsn is required in postgres mode")
		}
	case BackendRealtime:
		if c.Backend.DSN == "" {
			return fmt.Errorf("backend.dsn is required in realtime mode")
		}
		if c.Backend.GatewayURL == "" {
			return fmt.Errorf("backend.gateway_url is required in realtime mode")
		}
	default:
		return fmt.Errorf("unknown backend.mode %q", c.Backend.Mode)
	}

	if c.Sync.FeedLimit <= 0 {
		return fmt.Errorf("sync.feed_limit must be positive")
	}
	if c.Sync.RetainedRooms <= 0 {
		return fmt.Errorf("sync.retained_rooms must be positive")
	}
	if c.Notifications.SoundIntervalMs < 0 {
		return fmt.Errorf("notifications.sound_interval_ms must not be negative")
	}
	return nil
}
