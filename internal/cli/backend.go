package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/systemflow/flowsync/internal/cache"
	"github.com/systemflow/flowsync/internal/config"
	"github.com/systemflow/flowsync/internal/engine"
	"github.com/systemflow/flowsync/internal/notify"
	"github.com/systemflow/flowsync/internal/rowstore"
	"github.com/systemflow/flowsync/internal/rowstore/memory"
	"github.com/systemflow/flowsync/internal/rowstore/pg"
	"github.com/systemflow/flowsync/internal/rowstore/realtime"
	"github.com/systemflow/flowsync/internal/session"
)

// runtime bundles everything a command needs to run the engine, plus the
// teardown for the resources behind it.
type runtime struct {
	engine   *engine.Engine
	sessions *session.Static
	closers  []func()
}

func (r *runtime) close() {
	r.engine.Stop()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// hybridStore pulls and mutates through one adapter and subscribes
// through another; realtime mode pairs Postgres with the websocket
// gateway this way.
type hybridStore struct {
	rowstore.Querier
	rowstore.Mutator
	rowstore.Subscriber
}

func buildRuntime(ctx context.Context, sink notify.Sink) (*runtime, error) {
	if err := requireSession(); err != nil {
		return nil, err
	}

	rt := &runtime{
		sessions: session.NewStatic(cfg.Session.UserID, cfg.Session.AccessToken),
	}

	store, err := buildStore(ctx, rt)
	if err != nil {
		return nil, err
	}

	prefs := buildPrefs(cfg.Notifications)
	opts := []engine.Option{
		engine.WithFeedLimit(cfg.Sync.FeedLimit),
		engine.WithRetainedRooms(cfg.Sync.RetainedRooms),
		engine.WithVisibilityDebounce(cfg.Sync.VisibilityDebounce()),
		engine.WithSoundInterval(cfg.Notifications.SoundInterval()),
	}

	if cfg.Cache.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err == nil {
			if snaps, err := cache.Open(cfg.Cache.Path); err == nil {
				rt.closers = append(rt.closers, func() { snaps.Close() })
				opts = append(opts, engine.WithSnapshots(snaps))
			}
		}
	}

	rt.engine = engine.New(store, rt.sessions, prefs, sink, opts...)

	if cmdline := cfg.Session.RefreshCommand; cmdline != "" {
		watcher := session.NewWatcher(rt.sessions, func(ctx context.Context) (string, error) {
			out, err := exec.CommandContext(ctx, "sh", "-c", cmdline).Output()
			if err != nil {
				return "", fmt.Errorf("refresh command: %w", err)
			}
			return strings.TrimSpace(string(out)), nil
		})
		watcher.Start(ctx)
		rt.closers = append(rt.closers, watcher.Stop)
	}
	return rt, nil
}

func buildStore(ctx context.Context, rt *runtime) (rowstore.Store, error) {
	switch cfg.Backend.Mode {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendPostgres:
		store, err := pg.Open(ctx, cfg.Backend.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { store.Close() })
		return store, nil

	case config.BackendRealtime:
		store, err := pg.Open(ctx, cfg.Backend.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { store.Close() })
		return &hybridStore{
			Querier:    store,
			Mutator:    store,
			Subscriber: realtime.NewClient(cfg.Backend.GatewayURL),
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}

func buildPrefs(nc config.NotificationsConfig) *notify.Preferences {
	return notify.NewPreferences(
		notify.ChannelPrefs{
			SoundEnabled:  nc.Chat.Sound,
			InAppEnabled:  nc.Chat.InApp,
			NativeEnabled: nc.Chat.Native,
		},
		notify.ChannelPrefs{
			SoundEnabled:  nc.System.Sound,
			InAppEnabled:  nc.System.InApp,
			NativeEnabled: nc.System.Native,
		},
	)
}
