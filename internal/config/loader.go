package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "flowsync"))
	}
	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "flowsync"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLOWSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend.mode", cfg.Backend.Mode)
	v.SetDefault("backend.dsn", cfg.Backend.DSN)
	v.SetDefault("backend.gateway_url", cfg.Backend.GatewayURL)
	v.SetDefault("session.user_id", cfg.Session.UserID)
	v.SetDefault("session.access_token", cfg.Session.AccessToken)
	v.SetDefault("session.refresh_command", cfg.Session.RefreshCommand)
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.path", cfg.Cache.Path)
	v.SetDefault("notifications.chat.sound", cfg.Notifications.Chat.Sound)
	v.SetDefault("notifications.chat.in_app", cfg.Notifications.Chat.InApp)
	v.SetDefault("notifications.chat.native", cfg.Notifications.Chat.Native)
	v.SetDefault("notifications.system.sound", cfg.Notifications.System.Sound)
	v.SetDefault("notifications.system.in_app", cfg.Notifications.System.InApp)
	v.SetDefault("notifications.system.native", cfg.Notifications.System.Native)
	v.SetDefault("notifications.sound_interval_ms", cfg.Notifications.SoundIntervalMs)
	v.SetDefault("sync.feed_limit", cfg.Sync.FeedLimit)
	v.SetDefault("sync.retained_rooms", cfg.Sync.RetainedRooms)
	v.SetDefault("sync.visibility_debounce_ms", cfg.Sync.VisibilityDebounceMs)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	return l.v.ReadInConfig()
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}
