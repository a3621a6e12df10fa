package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/rowstore"
)

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 800 * time.Millisecond},
		{1, 1600 * time.Millisecond},
		{2, 3200 * time.Millisecond},
		{3, 6400 * time.Millisecond},
		{4, 12800 * time.Millisecond},
		{5, 25600 * time.Millisecond},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Backoff(tc.retries), "retries=%d", tc.retries)
	}
}

// fakeSubscriber records subscriptions and lets the test drive status
// transitions.
type fakeSubscriber struct {
	mu     sync.Mutex
	subs   []*fakeSub
	tokens []string
}

type fakeSub struct {
	topic    rowstore.Topic
	onEvent  rowstore.EventHandler
	onStatus rowstore.StatusHandler
	closed   bool
}

func (f *fakeSub) Close() { f.closed = true }

func (f *fakeSubscriber) Subscribe(_ context.Context, topic rowstore.Topic, token string, onEvent rowstore.EventHandler, onStatus rowstore.StatusHandler) (rowstore.Subscription, error) {
	sub := &fakeSub{topic: topic, onEvent: onEvent, onStatus: onStatus}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	onStatus(rowstore.StatusSubscribed)
	return sub, nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func TestManagerOpenFiresReadyAndResetsRetries(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	defer m.Shutdown()

	ready := 0
	h := m.Open(rowstore.NotificationsTopic("u1"), "tok", func(rowstore.Event) {}, func() { ready++ })

	require.Equal(t, 1, ready)
	require.Equal(t, rowstore.StatusSubscribed, h.Status())
	require.Equal(t, 0, h.RetryCount())
}

func TestManagerReopenSameTopicClosesPrevious(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	defer m.Shutdown()

	topic := rowstore.RoomMessagesTopic("r1")
	m.Open(topic, "tok", func(rowstore.Event) {}, nil)
	first := sub.last()
	m.Open(topic, "tok", func(rowstore.Event) {}, nil)

	require.True(t, first.closed)
	require.Equal(t, 2, sub.count())
	require.Len(t, m.Statuses(), 1)
}

func TestManagerResubscribeShortCircuitsSameToken(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	defer m.Shutdown()

	h := m.Open(rowstore.NotificationsTopic("u1"), "tok", func(rowstore.Event) {}, nil)
	require.Equal(t, 1, sub.count())

	m.Resubscribe(h, "tok")
	require.Equal(t, 1, sub.count(), "identical token must not reconnect")

	m.Resubscribe(h, "tok2")
	require.Equal(t, 2, sub.count())
	require.Equal(t, "tok2", sub.tokens[1])
}

func TestManagerSchedulesRetryOnTerminalStatus(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	defer m.Shutdown()

	h := m.Open(rowstore.NotificationsTopic("u1"), "tok", func(rowstore.Event) {}, nil)

	sub.last().onStatus(rowstore.StatusError)
	require.Equal(t, 1, h.RetryCount())
	require.Equal(t, rowstore.StatusError, h.Status())

	// The reconnect fires after Backoff(1); it resubscribes and the
	// fake immediately reports SUBSCRIBED, resetting the retry count.
	require.Eventually(t, func() bool {
		return sub.count() == 2 && h.RetryCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, rowstore.StatusSubscribed, h.Status())
}

func TestManagerCloseStopsEventsAndRetries(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	defer m.Shutdown()

	events := 0
	h := m.Open(rowstore.NotificationsTopic("u1"), "tok", func(rowstore.Event) { events++ }, nil)
	raw := sub.last()

	m.Close(h)
	require.True(t, raw.closed)
	require.Equal(t, rowstore.StatusClosed, h.Status())

	// Deliveries after close are discarded.
	raw.onEvent(rowstore.Event{Kind: rowstore.EventInsert, Table: rowstore.TableNotifications})
	require.Zero(t, events)

	// A terminal status after close must not schedule a reconnect.
	raw.onStatus(rowstore.StatusError)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, sub.count())
}

func TestManagerShutdownRejectsOpens(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager(sub)
	m.Shutdown()

	h := m.Open(rowstore.NotificationsTopic("u1"), "tok", func(rowstore.Event) {}, nil)
	require.Equal(t, rowstore.StatusClosed, h.Status())
	require.Zero(t, sub.count())
}
