package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/systemflow/flowsync/internal/logging"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// refreshLead is how long before expiry a refresh is attempted.
const refreshLead = 60 * time.Second

// TokenExpiry extracts the expiry of a JWT access token without verifying
// its signature; verification is the backend's job, the engine only needs
// to know when to rotate.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, ErrNoExpiry
	}
	return exp.Time, nil
}

// RefreshFunc obtains a fresh access token.
type RefreshFunc func(ctx context.Context) (string, error)

// Watcher rotates a Static provider's token shortly before it expires.
// Non-JWT tokens (no parsable expiry) are left alone.
type Watcher struct {
	provider *Static
	refresh  RefreshFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a token watcher over a Static provider.
func NewWatcher(provider *Static, refresh RefreshFunc) *Watcher {
	return &Watcher{provider: provider, refresh: refresh}
}

// Start begins watching. Stop must be called on teardown.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	logger := logging.Component("session-watcher")

	for {
		sess, ok := w.provider.Current()
		if !ok {
			// Logged out; wake up when a session appears again.
			select {
			case <-ctx.Done():
				return
			case <-time.After(refreshLead):
			}
			continue
		}

		exp, err := TokenExpiry(sess.AccessToken)
		if err != nil {
			// Opaque token, nothing to watch.
			return
		}

		wait := time.Until(exp.Add(-refreshLead))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		token, err := w.refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("token refresh failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
			continue
		}
		w.provider.Rotate(token)
	}
}
