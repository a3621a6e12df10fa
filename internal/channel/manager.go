// Package channel owns the lifecycle of push subscriptions: one per
// logical topic, with automatic reconnection, exponential backoff, and
// token-rotation resubscribes.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/rowstore"
)

const (
	backoffBase = 800 * time.Millisecond
	backoffCap  = 30 * time.Second
	backoffExp  = 6
)

// Backoff returns the reconnect delay after the given number of
// consecutive failures: min(30s, 800ms * 2^min(6, retryCount)).
func Backoff(retryCount int) time.Duration {
	exp := retryCount
	if exp > backoffExp {
		exp = backoffExp
	}
	d := backoffBase << uint(exp)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Manager is an explicitly owned subscription registry keyed by topic.
// Opening a topic that is already open transfers ownership: the previous
// handle is closed first, so at most one subscription exists per topic.
type Manager struct {
	sub    rowstore.Subscriber
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates a subscription manager over the given subscriber.
func NewManager(sub rowstore.Subscriber) *Manager {
	return &Manager{
		sub:     sub,
		logger:  logging.Component("channel"),
		handles: make(map[string]*Handle),
	}
}

// Handle is one managed subscription.
type Handle struct {
	manager *Manager
	topic   rowstore.Topic
	onEvent rowstore.EventHandler
	onReady func()
	logger  zerolog.Logger

	mu         sync.Mutex
	token      string
	status     rowstore.Status
	retryCount int
	generation int
	sub        rowstore.Subscription
	retryTimer *time.Timer
	closed     bool
}

// Open establishes a push subscription for the topic. onEvent receives
// push deliveries; onReady fires on every successful subscribe and is
// where the dependent store runs its authoritative pull refresh, closing
// any gap from a prior outage. Connection failures are retried with
// backoff indefinitely and never surfaced as errors.
func (m *Manager) Open(topic rowstore.Topic, token string, onEvent rowstore.EventHandler, onReady func()) *Handle {
	h := &Handle{
		manager: m,
		topic:   topic,
		onEvent: onEvent,
		onReady: onReady,
		logger:  logging.WithTopic(m.logger, topic.Key()),
		token:   token,
		status:  rowstore.StatusConnecting,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.closed = true
		h.status = rowstore.StatusClosed
		return h
	}
	prev := m.handles[topic.Key()]
	m.handles[topic.Key()] = h
	m.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	h.connect()
	return h
}

// Close tears down a subscription: cancels any pending retry timer and
// releases the underlying channel.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.handles[h.topic.Key()] == h {
		delete(m.handles, h.topic.Key())
	}
	m.mu.Unlock()

	h.close()
}

// Resubscribe re-establishes the subscription with a rotated token. If the
// token is unchanged this is a no-op, so redundant session refreshes never
// cause reconnect churn.
func (m *Manager) Resubscribe(h *Handle, token string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed || h.token == token {
		h.mu.Unlock()
		return
	}
	h.token = token
	h.mu.Unlock()

	h.logger.Debug().Msg("token rotated, resubscribing")
	h.connect()
}

// ResubscribeAll rotates the token on every open handle.
func (m *Manager) ResubscribeAll(token string) {
	for _, h := range m.snapshot() {
		m.Resubscribe(h, token)
	}
}

// CloseAll tears down every open subscription.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}

// Shutdown closes all subscriptions and rejects further opens.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()
}

// Statuses reports the current status per open topic, for the
// best-effort "disconnected" indicator.
func (m *Manager) Statuses() map[string]rowstore.Status {
	out := make(map[string]rowstore.Status)
	for _, h := range m.snapshot() {
		out[h.topic.Key()] = h.Status()
	}
	return out
}

func (m *Manager) snapshot() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	return handles
}

// Topic returns the handle's topic.
func (h *Handle) Topic() rowstore.Topic {
	return h.topic
}

// Status returns the current subscription status.
func (h *Handle) Status() rowstore.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// RetryCount returns the consecutive failure count.
func (h *Handle) RetryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryCount
}

func (h *Handle) connect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.generation++
	gen := h.generation
	h.clearRetryLocked()
	h.status = rowstore.StatusConnecting
	old := h.sub
	h.sub = nil
	token := h.token
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}

	sub, err := h.manager.sub.Subscribe(context.Background(), h.topic, token,
		func(e rowstore.Event) { h.handleEvent(gen, e) },
		func(s rowstore.Status) { h.handleStatus(gen, s) },
	)
	if err != nil {
		h.logger.Warn().Err(err).Msg("subscribe failed")
		h.handleStatus(gen, rowstore.StatusError)
		return
	}

	h.mu.Lock()
	if h.closed || gen != h.generation {
		h.mu.Unlock()
		sub.Close()
		return
	}
	h.sub = sub
	h.mu.Unlock()
}

func (h *Handle) handleEvent(gen int, e rowstore.Event) {
	h.mu.Lock()
	stale := h.closed || gen != h.generation
	h.mu.Unlock()
	if stale {
		return
	}
	h.onEvent(e)
}

func (h *Handle) handleStatus(gen int, status rowstore.Status) {
	h.mu.Lock()
	if h.closed || gen != h.generation {
		h.mu.Unlock()
		return
	}
	h.status = status

	if status == rowstore.StatusSubscribed {
		h.retryCount = 0
		ready := h.onReady
		h.mu.Unlock()
		h.logger.Debug().Msg("subscribed")
		if ready != nil {
			ready()
		}
		return
	}

	if !status.Terminal() {
		h.mu.Unlock()
		return
	}

	h.retryCount++
	delay := Backoff(h.retryCount)
	h.clearRetryLocked()
	h.retryTimer = time.AfterFunc(delay, h.connect)
	retries := h.retryCount
	h.mu.Unlock()

	h.logger.Warn().
		Str("status", string(status)).
		Int("retry", retries).
		Dur("delay", delay).
		Msg("subscription dropped, reconnect scheduled")
}

func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.generation++
	h.clearRetryLocked()
	sub := h.sub
	h.sub = nil
	h.status = rowstore.StatusClosed
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (h *Handle) clearRetryLocked() {
	if h.retryTimer != nil {
		h.retryTimer.Stop()
		h.retryTimer = nil
	}
}
