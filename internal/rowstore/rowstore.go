// Package rowstore defines the contract this engine has with the hosted
// row store: on-demand pull queries, row mutations, and push subscriptions
// that yield ordered insert/update events for a filtered topic.
package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/systemflow/flowsync/internal/models"
)

// Rowstore errors.
var (
	ErrClosed            = errors.New("row store is closed")
	ErrTopicNotSupported = errors.New("topic not supported by this adapter")
)

// Table identifies a backend table a topic or query is bound to.
type Table string

const (
	TableNotifications Table = "notifications"
	TableChatMessages  Table = "chat_messages"
	TableChatReceipts  Table = "chat_receipts"
)

// Topic is a logical push-subscription filter: one table plus one
// column-equality predicate, e.g. (notifications, user_id=X).
type Topic struct {
	Table  Table
	Column string
	Value  string
}

// Key returns a stable identity for the topic, used to deduplicate
// subscriptions in the channel registry.
func (t Topic) Key() string {
	return fmt.Sprintf("%s:%s=%s", t.Table, t.Column, t.Value)
}

func (t Topic) String() string { return t.Key() }

// NotificationsTopic is the per-user notification feed.
func NotificationsTopic(userID string) Topic {
	return Topic{Table: TableNotifications, Column: "user_id", Value: userID}
}

// RoomMessagesTopic is the per-room message feed.
func RoomMessagesTopic(roomID string) Topic {
	return Topic{Table: TableChatMessages, Column: "room_id", Value: roomID}
}

// RoomReceiptsTopic is the per-room receipt feed.
func RoomReceiptsTopic(roomID string) Topic {
	return Topic{Table: TableChatReceipts, Column: "room_id", Value: roomID}
}

// EventKind tags a push event.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
)

// Event is one push delivery: a validated row image (and, for updates,
// the previous image when the backend provides it).
type Event struct {
	Kind  EventKind
	Table Table
	New   json.RawMessage
	Old   json.RawMessage
}

// EventHandler receives push events for a subscription, in server-commit
// order within the topic. Handlers must not block.
type EventHandler func(Event)

// Status is the lifecycle state of one push subscription.
type Status string

const (
	StatusConnecting Status = "CONNECTING"
	StatusSubscribed Status = "SUBSCRIBED"
	StatusError      Status = "CHANNEL_ERROR"
	StatusTimedOut   Status = "TIMED_OUT"
	StatusClosed     Status = "CLOSED"
)

// Terminal reports whether the status ends the subscription's current
// attempt and warrants a retry.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusTimedOut || s == StatusClosed
}

// StatusHandler receives subscription status transitions.
type StatusHandler func(Status)

// Subscription is an open push subscription. Close releases it; it is the
// only supported cancellation path.
type Subscription interface {
	Close()
}

// Subscriber opens push subscriptions. The token authenticates the
// subscription with the backend; adapters that do not authenticate may
// ignore it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, token string, onEvent EventHandler, onStatus StatusHandler) (Subscription, error)
}

// MessageQuery filters a message pull.
type MessageQuery struct {
	// Limit caps the page size.
	Limit int

	// Before restricts to messages created strictly before this time.
	// Zero means no bound.
	Before time.Time

	// Ascending orders oldest-first when true, newest-first otherwise.
	Ascending bool
}

// Querier is the pull side of the row store.
type Querier interface {
	// RecentNotifications returns the most recent notifications for a
	// user, ordered by creation time descending.
	RecentNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)

	// UnreadChatNotifications returns one page of the user's unread
	// chat-type notifications. Callers paginate until a short page.
	UnreadChatNotifications(ctx context.Context, userID string, offset, limit int) ([]models.Notification, error)

	// Messages returns messages for a room per the query.
	Messages(ctx context.Context, roomID string, q MessageQuery) ([]models.ChatMessage, error)

	// Rooms returns the user's conversation list ordered by last
	// activity descending.
	Rooms(ctx context.Context, userID string) ([]models.ChatRoom, error)
}

// Mutator is the write side of the row store.
type Mutator interface {
	// MarkNotificationRead flips one notification to read.
	MarkNotificationRead(ctx context.Context, userID, id string) error

	// MarkAllNotificationsRead flips every unread notification of the
	// user to read.
	MarkAllNotificationsRead(ctx context.Context, userID string) error

	// MarkRoomNotificationsRead flips the user's unread chat
	// notifications whose metadata references the room.
	MarkRoomNotificationsRead(ctx context.Context, userID, roomID string) error

	// InsertMessage persists a new message and returns the stored row
	// (id and creation time assigned by the backend).
	InsertMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)

	// MarkMessageDelivered upserts the delivered timestamp of the
	// user's receipt for a message.
	MarkMessageDelivered(ctx context.Context, messageID, userID string) error

	// MarkRoomMessagesRead upserts read timestamps for the user across
	// a room's messages.
	MarkRoomMessagesRead(ctx context.Context, roomID, userID string) error
}

// Store is a full row-store client.
type Store interface {
	Querier
	Mutator
	Subscriber
}
