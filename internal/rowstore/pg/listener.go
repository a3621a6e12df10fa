package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/rowstore"
)

const (
	listenMinReconnect = 2 * time.Second
	listenMaxReconnect = 30 * time.Second
	listenPingInterval = 90 * time.Second
)

// notifyPayload is the envelope the backend's row triggers publish via
// pg_notify: one channel per table, the row images inline.
type notifyPayload struct {
	Kind  rowstore.EventKind `json:"kind"`
	Table rowstore.Table     `json:"table"`
	New   json.RawMessage    `json:"new"`
	Old   json.RawMessage    `json:"old,omitempty"`
}

func channelName(table rowstore.Table) string {
	return "flowsync_" + string(table)
}

type pgSubscription struct {
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *pgSubscription) Close() {
	s.cancel()
	s.listener.Close()
	<-s.done
}

// Subscribe implements rowstore.Subscriber over LISTEN/NOTIFY. Every row
// change on the topic's table arrives on one channel; the topic's column
// predicate is applied client-side because pg_notify channels cannot
// carry a filter. Postgres authenticates via the DSN, so the per-session
// token is unused here.
func (s *Store) Subscribe(ctx context.Context, topic rowstore.Topic, _ string, onEvent rowstore.EventHandler, onStatus rowstore.StatusHandler) (rowstore.Subscription, error) {
	logger := logging.Component("pg-listen").With().Str("topic", topic.Key()).Logger()
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	emitStatus := func(st rowstore.Status) {
		if onStatus != nil {
			onStatus(st)
		}
	}

	listener := pq.NewListener(s.dsn, listenMinReconnect, listenMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			switch event {
			case pq.ListenerEventConnected, pq.ListenerEventReconnected:
				emitStatus(rowstore.StatusSubscribed)
			case pq.ListenerEventDisconnected:
				logger.Warn().Err(err).Msg("listener disconnected")
				emitStatus(rowstore.StatusError)
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Warn().Err(err).Msg("listener reconnect failed")
			}
		})

	emitStatus(rowstore.StatusConnecting)
	if err := listener.Listen(channelName(topic.Table)); err != nil {
		cancel()
		listener.Close()
		return nil, err
	}

	sub := &pgSubscription{listener: listener, cancel: cancel, done: make(chan struct{})}
	go sub.run(subCtx, topic, onEvent, logger)
	return sub, nil
}

func (s *pgSubscription) run(ctx context.Context, topic rowstore.Topic, onEvent rowstore.EventHandler, logger zerolog.Logger) {
	defer close(s.done)
	ping := time.NewTicker(listenPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				return
			}
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnect marker; the status callback already fired.
				continue
			}
			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable notify payload")
				continue
			}
			if !matchesTopic(topic, payload.New) {
				continue
			}
			onEvent(rowstore.Event{
				Kind:  payload.Kind,
				Table: payload.Table,
				New:   payload.New,
				Old:   payload.Old,
			})
		}
	}
}

func matchesTopic(topic rowstore.Topic, row json.RawMessage) bool {
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	v, ok := fields[topic.Column].(string)
	return ok && v == topic.Value
}
