// Package realtime implements the push side of the row-store contract
// over a websocket gateway. The gateway multiplexes row change feeds;
// each subscription here opens one socket, sends a subscribe frame for
// its topic, and converts the gateway's frames into row events and
// status transitions. Pull queries and mutations go through another
// adapter; this one is push only.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/rowstore"
)

const (
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	pongWait          = 75 * time.Second
)

// Client opens push subscriptions against a realtime gateway.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewClient creates a push client for the gateway URL (ws:// or wss://).
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger: logging.Component("realtime"),
	}
}

// subscribeFrame is the first client frame on a new socket.
type subscribeFrame struct {
	Action string         `json:"action"`
	Table  rowstore.Table `json:"table"`
	Column string         `json:"column"`
	Value  string         `json:"value"`
	Token  string         `json:"token,omitempty"`
}

// serverFrame is one gateway message: either a subscription status
// transition or a row change event.
type serverFrame struct {
	Type   string             `json:"type"`
	Status rowstore.Status    `json:"status,omitempty"`
	Kind   rowstore.EventKind `json:"kind,omitempty"`
	Table  rowstore.Table     `json:"table,omitempty"`
	New    json.RawMessage    `json:"new,omitempty"`
	Old    json.RawMessage    `json:"old,omitempty"`
}

type wsSubscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *wsSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.conn.Close()
	})
	<-s.done
}

// Subscribe implements rowstore.Subscriber. The token authenticates the
// subscription at the gateway. Any socket failure surfaces as a terminal
// status; the caller owns reconnection.
func (c *Client) Subscribe(ctx context.Context, topic rowstore.Topic, token string, onEvent rowstore.EventHandler, onStatus rowstore.StatusHandler) (rowstore.Subscription, error) {
	logger := logging.WithTopic(c.logger, topic.Key())
	emitStatus := func(st rowstore.Status) {
		if onStatus != nil {
			onStatus(st)
		}
	}

	emitStatus(rowstore.StatusConnecting)

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime gateway: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeFrame{
		Action: "subscribe",
		Table:  topic.Table,
		Column: topic.Column,
		Value:  topic.Value,
		Token:  token,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe frame: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &wsSubscription{conn: conn, cancel: cancel, done: make(chan struct{})}
	go sub.readLoop(subCtx, onEvent, emitStatus, logger)
	go sub.heartbeat(subCtx)
	return sub, nil
}

func (s *wsSubscription) readLoop(ctx context.Context, onEvent rowstore.EventHandler, emitStatus func(rowstore.Status), logger zerolog.Logger) {
	defer close(s.done)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame serverFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				emitStatus(rowstore.StatusClosed)
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				emitStatus(rowstore.StatusClosed)
			} else {
				logger.Warn().Err(err).Msg("socket read failed")
				emitStatus(rowstore.StatusError)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Type {
		case "status":
			emitStatus(frame.Status)
		case "event":
			onEvent(rowstore.Event{
				Kind:  frame.Kind,
				Table: frame.Table,
				New:   frame.New,
				Old:   frame.Old,
			})
		default:
			logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame")
		}
	}
}

func (s *wsSubscription) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
