// Package memory implements the row-store contract in process. It backs
// tests and local development: rows live in maps, and mutations fan out
// push events to matching subscriptions the way the hosted backend's
// triggers do.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// Store is an in-memory row store.
type Store struct {
	mu            sync.Mutex
	notifications []models.Notification
	messages      map[string][]models.ChatMessage
	receipts      map[string][]receiptRow
	rooms         []models.ChatRoom
	subs          map[string][]*subscription

	// FailPulls makes every pull query return an error, for testing
	// the stale-but-present behavior.
	FailPulls error

	feedPulls int
}

type receiptRow struct {
	roomID  string
	receipt models.Receipt
}

type subscription struct {
	store    *Store
	topic    rowstore.Topic
	onEvent  rowstore.EventHandler
	onStatus rowstore.StatusHandler
	closed   bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		messages: make(map[string][]models.ChatMessage),
		receipts: make(map[string][]receiptRow),
		subs:     make(map[string][]*subscription),
	}
}

// Subscribe opens a push subscription; the status callback sees
// CONNECTING then SUBSCRIBED synchronously.
func (s *Store) Subscribe(_ context.Context, topic rowstore.Topic, _ string, onEvent rowstore.EventHandler, onStatus rowstore.StatusHandler) (rowstore.Subscription, error) {
	sub := &subscription{store: s, topic: topic, onEvent: onEvent, onStatus: onStatus}
	s.mu.Lock()
	s.subs[topic.Key()] = append(s.subs[topic.Key()], sub)
	s.mu.Unlock()

	if onStatus != nil {
		onStatus(rowstore.StatusConnecting)
		onStatus(rowstore.StatusSubscribed)
	}
	return sub, nil
}

func (sub *subscription) Close() {
	sub.store.mu.Lock()
	sub.closed = true
	key := sub.topic.Key()
	remaining := sub.store.subs[key][:0]
	for _, other := range sub.store.subs[key] {
		if other != sub {
			remaining = append(remaining, other)
		}
	}
	sub.store.subs[key] = remaining
	sub.store.mu.Unlock()
}

// DropSubscriptions reports a terminal status to every open subscription,
// simulating a transport outage. Subscriptions stay registered; the
// channel manager is expected to close and reopen them.
func (s *Store) DropSubscriptions(status rowstore.Status) {
	s.mu.Lock()
	var subs []*subscription
	for _, list := range s.subs {
		subs = append(subs, list...)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.onStatus != nil {
			sub.onStatus(status)
		}
	}
}

func (s *Store) emit(table rowstore.Table, kind rowstore.EventKind, newRow, oldRow any) {
	newJSON, err := json.Marshal(newRow)
	if err != nil {
		return
	}
	var oldJSON json.RawMessage
	if oldRow != nil {
		oldJSON, _ = json.Marshal(oldRow)
	}

	var fields map[string]any
	_ = json.Unmarshal(newJSON, &fields)

	s.mu.Lock()
	var targets []*subscription
	for _, list := range s.subs {
		for _, sub := range list {
			if sub.closed || sub.topic.Table != table {
				continue
			}
			if v, ok := fields[sub.topic.Column].(string); !ok || v != sub.topic.Value {
				continue
			}
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	event := rowstore.Event{Kind: kind, Table: table, New: newJSON, Old: oldJSON}
	for _, sub := range targets {
		sub.onEvent(event)
	}
}

// SeedNotifications installs rows without emitting events.
func (s *Store) SeedNotifications(rows ...models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, rows...)
}

// SeedMessages installs message rows without emitting events.
func (s *Store) SeedMessages(rows ...models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		s.messages[m.RoomID] = append(s.messages[m.RoomID], m)
	}
}

// SeedRooms installs the conversation list.
func (s *Store) SeedRooms(rows ...models.ChatRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append(s.rooms, rows...)
}

// PushNotification stores a notification row and emits the INSERT push
// event, the way a backend trigger would.
func (s *Store) PushNotification(n models.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	s.emit(rowstore.TableNotifications, rowstore.EventInsert, n, nil)
}

// PushMessage stores a message row and emits the INSERT push event.
func (s *Store) PushMessage(m models.ChatMessage) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.messages[m.RoomID] = append(s.messages[m.RoomID], m)
	s.mu.Unlock()
	s.emit(rowstore.TableChatMessages, rowstore.EventInsert, m, nil)
}

// PushMessageUpdate replaces a stored message row and emits the UPDATE
// push event.
func (s *Store) PushMessageUpdate(m models.ChatMessage) {
	s.mu.Lock()
	rows := s.messages[m.RoomID]
	var old models.ChatMessage
	for i := range rows {
		if rows[i].ID == m.ID {
			old = rows[i]
			rows[i] = m
			break
		}
	}
	s.mu.Unlock()
	s.emit(rowstore.TableChatMessages, rowstore.EventUpdate, m, old)
}

// FeedPulls reports how many RecentNotifications queries have run, for
// asserting on refresh debouncing.
func (s *Store) FeedPulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedPulls
}

// RecentNotifications implements rowstore.Querier.
func (s *Store) RecentNotifications(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedPulls++
	if s.FailPulls != nil {
		return nil, s.FailPulls
	}
	var rows []models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			rows = append(rows, n)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// UnreadChatNotifications implements rowstore.Querier.
func (s *Store) UnreadChatNotifications(_ context.Context, userID string, offset, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPulls != nil {
		return nil, s.FailPulls
	}
	var rows []models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && n.IsChat() && !n.IsRead {
			rows = append(rows, n)
		}
	}
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Messages implements rowstore.Querier.
func (s *Store) Messages(_ context.Context, roomID string, q rowstore.MessageQuery) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPulls != nil {
		return nil, s.FailPulls
	}
	var rows []models.ChatMessage
	for _, m := range s.messages[roomID] {
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		rows = append(rows, m)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if q.Ascending {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	for i := range rows {
		for _, rr := range s.receipts[rows[i].ID] {
			rows[i].Receipts = append(rows[i].Receipts, rr.receipt)
		}
	}
	return rows, nil
}

// Rooms implements rowstore.Querier.
func (s *Store) Rooms(_ context.Context, _ string) ([]models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPulls != nil {
		return nil, s.FailPulls
	}
	rows := append([]models.ChatRoom(nil), s.rooms...)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].LastMessageAt.After(rows[j].LastMessageAt)
	})
	return rows, nil
}

// MarkNotificationRead implements rowstore.Mutator.
func (s *Store) MarkNotificationRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	var updated *models.Notification
	var old models.Notification
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.ID == id && n.UserID == userID && !n.IsRead {
			old = *n
			n.IsRead = true
			updated = n
			break
		}
	}
	var row models.Notification
	if updated != nil {
		row = *updated
	}
	s.mu.Unlock()

	if updated != nil {
		s.emit(rowstore.TableNotifications, rowstore.EventUpdate, row, old)
	}
	return nil
}

// MarkAllNotificationsRead implements rowstore.Mutator.
func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string) error {
	s.mu.Lock()
	var updates [][2]models.Notification
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.UserID == userID && !n.IsRead {
			old := *n
			n.IsRead = true
			updates = append(updates, [2]models.Notification{*n, old})
		}
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.emit(rowstore.TableNotifications, rowstore.EventUpdate, u[0], u[1])
	}
	return nil
}

// MarkRoomNotificationsRead implements rowstore.Mutator.
func (s *Store) MarkRoomNotificationsRead(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	var updates [][2]models.Notification
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.UserID == userID && n.RoomID() == roomID && !n.IsRead {
			old := *n
			n.IsRead = true
			updates = append(updates, [2]models.Notification{*n, old})
		}
	}
	s.mu.Unlock()

	for _, u := range updates {
		s.emit(rowstore.TableNotifications, rowstore.EventUpdate, u[0], u[1])
	}
	return nil
}

// InsertMessage implements rowstore.Mutator.
func (s *Store) InsertMessage(_ context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	s.mu.Unlock()

	s.emit(rowstore.TableChatMessages, rowstore.EventInsert, msg, nil)
	return msg, nil
}

// MarkMessageDelivered implements rowstore.Mutator.
func (s *Store) MarkMessageDelivered(_ context.Context, messageID, userID string) error {
	now := time.Now().UTC()
	s.upsertReceipt(messageID, userID, &now, nil)
	return nil
}

// MarkRoomMessagesRead implements rowstore.Mutator.
func (s *Store) MarkRoomMessagesRead(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.messages[roomID]))
	for _, m := range s.messages[roomID] {
		if m.SenderID != userID {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		s.upsertReceipt(id, userID, nil, &now)
	}
	return nil
}

type receiptEvent struct {
	MessageID   string     `json:"message_id"`
	RoomID      string     `json:"room_id"`
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

func (s *Store) upsertReceipt(messageID, userID string, deliveredAt, readAt *time.Time) {
	roomID := s.roomOfMessage(messageID)

	s.mu.Lock()
	rows := s.receipts[messageID]
	var row *receiptRow
	for i := range rows {
		if rows[i].receipt.UserID == userID {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		rows = append(rows, receiptRow{roomID: roomID, receipt: models.Receipt{UserID: userID}})
		row = &rows[len(rows)-1]
	}
	// Timestamps are write-once, like the backend upsert.
	if deliveredAt != nil && row.receipt.DeliveredAt == nil {
		row.receipt.DeliveredAt = deliveredAt
	}
	if readAt != nil && row.receipt.ReadAt == nil {
		row.receipt.ReadAt = readAt
	}
	s.receipts[messageID] = rows
	out := row.receipt
	s.mu.Unlock()

	s.emit(rowstore.TableChatReceipts, rowstore.EventUpdate, receiptEvent{
		MessageID:   messageID,
		RoomID:      roomID,
		UserID:      out.UserID,
		DeliveredAt: out.DeliveredAt,
		ReadAt:      out.ReadAt,
	}, nil)
}

func (s *Store) roomOfMessage(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				return roomID
			}
		}
	}
	return ""
}
