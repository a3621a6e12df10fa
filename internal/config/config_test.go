package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendMemory, cfg.Backend.Mode)
	require.Equal(t, 30, cfg.Sync.FeedLimit)
	require.Equal(t, 900*time.Millisecond, cfg.Notifications.SoundInterval())
}

func TestValidateBackendModes(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Backend.Mode = BackendPostgres
	require.Error(t, cfg.Validate(), "postgres mode needs a dsn")
	cfg.Backend.DSN = "postgres://localhost/app"
	require.NoError(t, cfg.Validate())

	cfg.Backend.Mode = BackendRealtime
	require.Error(t, cfg.Validate(), "realtime mode needs a gateway url")
	cfg.Backend.GatewayURL = "wss://gateway.example.com/sync"
	require.NoError(t, cfg.Validate())

	cfg.Backend.Mode = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadTuning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.FeedLimit = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sync.RetainedRooms = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Notifications.SoundIntervalMs = -5
	require.Error(t, cfg.Validate())
}

func TestLoaderReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
backend:
  mode: postgres
  dsn: postgres://localhost/app
session:
  user_id: u1
sync:
  feed_limit: 50
notifications:
  chat:
    sound: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader()
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, BackendPostgres, cfg.Backend.Mode)
	require.Equal(t, "u1", cfg.Session.UserID)
	require.Equal(t, 50, cfg.Sync.FeedLimit)
	require.False(t, cfg.Notifications.Chat.Sound)
	require.True(t, cfg.Notifications.System.Sound, "untouched settings keep their defaults")
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  feed_limit: 50\n"), 0o644))

	t.Setenv("FLOWSYNC_SYNC_FEED_LIMIT", "10")
	t.Setenv("FLOWSYNC_SESSION_USER_ID", "env-user")

	loader := NewLoader()
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, 10, cfg.Sync.FeedLimit)
	require.Equal(t, "env-user", cfg.Session.UserID)
}

func TestLoaderMissingExplicitFileFails(t *testing.T) {
	loader := NewLoader()
	loader.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x.db"), expandTilde("~/x.db"))
	require.Equal(t, "/tmp/x.db", expandTilde("/tmp/x.db"))
	require.Empty(t, expandTilde(""))
}
