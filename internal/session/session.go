// Package session supplies the current identity and access token to the
// engine and signals login, logout, and token rotation.
package session

import (
	"errors"
	"sync"
)

// ErrNoSession is returned when an operation needs a session and none is
// active.
var ErrNoSession = errors.New("no active session")

// Session is the current identity and credential.
type Session struct {
	UserID      string
	AccessToken string
}

// Change is emitted on login, logout, and token rotation. Active is false
// exactly when the session was lost; consumers tear down all subscriptions
// and clear in-memory state on that transition.
type Change struct {
	Session Session
	Active  bool
}

// Provider exposes the current session and a change signal.
type Provider interface {
	// Current returns the active session, if any.
	Current() (Session, bool)

	// Changes yields session transitions. The channel is never closed
	// by the provider; consumers stop reading on their own teardown.
	Changes() <-chan Change
}

// Static is a Provider driven by explicit Rotate/Clear calls; the CLI uses
// it with a configured token, and tests drive it directly.
type Static struct {
	mu      sync.Mutex
	session Session
	active  bool
	changes chan Change
}

// NewStatic creates a provider with an initial session. An empty token
// starts logged out.
func NewStatic(userID, token string) *Static {
	s := &Static{
		changes: make(chan Change, 8),
	}
	if token != "" {
		s.session = Session{UserID: userID, AccessToken: token}
		s.active = true
	}
	return s
}

// Current returns the active session, if any.
func (s *Static) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.active
}

// Changes yields session transitions.
func (s *Static) Changes() <-chan Change {
	return s.changes
}

// Rotate installs a new access token and emits a change. Rotating to the
// value already held is a no-op so consumers never see redundant signals.
func (s *Static) Rotate(token string) {
	s.mu.Lock()
	if s.active && s.session.AccessToken == token {
		s.mu.Unlock()
		return
	}
	s.session.AccessToken = token
	s.active = token != ""
	change := Change{Session: s.session, Active: s.active}
	s.mu.Unlock()

	s.emit(change)
}

// Login installs a full session and emits a change.
func (s *Static) Login(userID, token string) {
	s.mu.Lock()
	s.session = Session{UserID: userID, AccessToken: token}
	s.active = token != ""
	change := Change{Session: s.session, Active: s.active}
	s.mu.Unlock()

	s.emit(change)
}

// Clear drops the session and emits a logout change.
func (s *Static) Clear() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.session = Session{}
	s.active = false
	s.mu.Unlock()

	s.emit(Change{Active: false})
}

func (s *Static) emit(change Change) {
	select {
	case s.changes <- change:
	default:
		// Drop when the consumer lags; the next read of Current sees
		// the latest state anyway.
	}
}
