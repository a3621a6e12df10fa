// Package engine wires the session provider, the push channel manager,
// and the per-concern stores into one synchronization facade. All push
// events enter here, get validated and decoded once, and fan out to the
// notification feed, the unread aggregation, the room caches, and the
// side-effect dispatcher.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/channel"
	"github.com/systemflow/flowsync/internal/chat"
	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/notify"
	"github.com/systemflow/flowsync/internal/rowstore"
	"github.com/systemflow/flowsync/internal/schema"
	"github.com/systemflow/flowsync/internal/session"
)

// ErrNoActiveRoom is returned when a message operation needs an open
// conversation and none is active.
var ErrNoActiveRoom = errors.New("no active room")

// DefaultVisibilityDebounce is how long the window must stay visible
// before a return-to-foreground refresh fires. Rapid visibility flapping
// within this window collapses into a single refresh.
const DefaultVisibilityDebounce = 250 * time.Millisecond

// Snapshotter persists feed and message snapshots across restarts so the
// UI can render stale-but-present data before the first pull completes.
type Snapshotter interface {
	LoadNotifications(userID string) ([]models.Notification, error)
	SaveNotifications(userID string, rows []models.Notification) error
	LoadMessages(roomID string) ([]models.ChatMessage, error)
	SaveMessages(roomID string, rows []models.ChatMessage) error
}

// Engine is the realtime synchronization facade for one client process.
type Engine struct {
	store     rowstore.Store
	sessions  session.Provider
	validator *schema.Validator
	channels  *channel.Manager
	prefs     *notify.Preferences
	snaps     Snapshotter
	logger    zerolog.Logger

	feedLimit     int
	retainedRooms int
	visDebounce   time.Duration
	soundInterval time.Duration

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	userID     string
	token      string
	focus      notify.FocusState
	activeRoom string

	notes      *notify.Store
	unread     *notify.Aggregator
	rooms      *chat.Registry
	dispatcher *notify.Dispatcher

	notifHandle   *channel.Handle
	msgHandle     *channel.Handle
	receiptHandle *channel.Handle
	visTimer      *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeedLimit overrides the retained notification feed length.
func WithFeedLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.feedLimit = n
		}
	}
}

// WithRetainedRooms overrides how many room message caches are retained.
func WithRetainedRooms(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retainedRooms = n
		}
	}
}

// WithVisibilityDebounce overrides the return-to-foreground debounce.
func WithVisibilityDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.visDebounce = d
		}
	}
}

// WithSnapshots enables warm-start snapshot persistence.
func WithSnapshots(s Snapshotter) Option {
	return func(e *Engine) {
		e.snaps = s
	}
}

// WithSoundInterval overrides the alert-sound rate limit spacing.
func WithSoundInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.soundInterval = d
		}
	}
}

// New creates an engine over a row store and session provider. The sink
// receives the side effects (sound, toast, native) the dispatcher fires.
func New(store rowstore.Store, sessions session.Provider, prefs *notify.Preferences, sink notify.Sink, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		sessions:      sessions,
		validator:     schema.MustValidator(),
		channels:      channel.NewManager(store),
		prefs:         prefs,
		logger:        logging.Component("engine"),
		feedLimit:     notify.DefaultFeedLimit,
		retainedRooms: chat.DefaultRetainedRooms,
		visDebounce:   DefaultVisibilityDebounce,
		soundInterval: notify.DefaultSoundInterval,
		focus:         notify.FocusState{Visible: true, Focused: true},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = notify.NewDispatcher(prefs, sink, notify.WithSoundInterval(e.soundInterval))
	return e
}

// Start binds the current session, if any, and begins consuming session
// changes until the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if sess, ok := e.sessions.Current(); ok {
		e.bind(sess)
	}

	e.wg.Add(1)
	go e.sessionLoop()
	return nil
}

// Stop tears the engine down: the session loop exits, every subscription
// closes, and all per-session state is cleared.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.unbind()
	e.channels.Shutdown()
}

func (e *Engine) sessionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case change := <-e.sessions.Changes():
			e.handleSessionChange(change)
		}
	}
}

func (e *Engine) handleSessionChange(change session.Change) {
	if !change.Active {
		e.logger.Info().Msg("session lost, tearing down")
		e.unbind()
		return
	}

	e.mu.Lock()
	sameUser := e.userID == change.Session.UserID && e.notes != nil
	e.mu.Unlock()

	if sameUser {
		e.mu.Lock()
		e.token = change.Session.AccessToken
		e.mu.Unlock()
		e.logger.Debug().Msg("token rotated")
		e.channels.ResubscribeAll(change.Session.AccessToken)
		return
	}

	e.unbind()
	e.bind(change.Session)
}

// bind builds the per-session stores and opens the notification topic.
func (e *Engine) bind(sess session.Session) {
	e.mu.Lock()
	e.userID = sess.UserID
	e.token = sess.AccessToken
	e.notes = notify.NewStore(e.store, e.store, e.prefs, sess.UserID, notify.WithFeedLimit(e.feedLimit))
	e.unread = notify.NewAggregator(e.store, sess.UserID)
	e.rooms = chat.NewRegistry(e.store, e.store, sess.UserID, chat.WithRetainedRooms(e.retainedRooms))
	notes := e.notes
	e.mu.Unlock()

	if e.snaps != nil {
		if rows, err := e.snaps.LoadNotifications(sess.UserID); err == nil && len(rows) > 0 {
			notes.Seed(rows)
		}
	}

	e.logger.Info().Str("user_id", sess.UserID).Msg("session bound")

	handle := e.channels.Open(
		rowstore.NotificationsTopic(sess.UserID),
		sess.AccessToken,
		e.handleNotificationEvent,
		func() { go e.refreshAll() },
	)
	e.mu.Lock()
	e.notifHandle = handle
	e.mu.Unlock()
}

// unbind closes every subscription and clears all per-session state.
func (e *Engine) unbind() {
	e.mu.Lock()
	notes, unread, rooms := e.notes, e.unread, e.rooms
	e.notes, e.unread, e.rooms = nil, nil, nil
	e.notifHandle, e.msgHandle, e.receiptHandle = nil, nil, nil
	e.userID, e.token, e.activeRoom = "", "", ""
	if e.visTimer != nil {
		e.visTimer.Stop()
		e.visTimer = nil
	}
	e.mu.Unlock()

	e.channels.CloseAll()
	if notes != nil {
		notes.Reset()
	}
	if unread != nil {
		unread.Reset()
	}
	if rooms != nil {
		rooms.Reset()
	}
}

// refreshAll runs the authoritative pulls that close any push gap: the
// notification feed, the unread scan, and the conversation list.
func (e *Engine) refreshAll() {
	e.mu.Lock()
	ctx, notes, unread, rooms, userID := e.ctx, e.notes, e.unread, e.rooms, e.userID
	e.mu.Unlock()
	if notes == nil || ctx == nil {
		return
	}

	if err := notes.Refresh(ctx); err == nil && e.snaps != nil {
		if err := e.snaps.SaveNotifications(userID, notes.Notifications()); err != nil {
			e.logger.Debug().Err(err).Msg("notification snapshot save failed")
		}
	}
	if err := unread.Rebuild(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("unread rebuild failed")
	}
	if err := rooms.LoadRooms(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("room list load failed")
	}
}

func (e *Engine) handleNotificationEvent(ev rowstore.Event) {
	if err := e.validator.Validate(ev.Table, ev.New); err != nil {
		e.logger.Warn().Err(err).Str("table", string(ev.Table)).Msg("dropping malformed push row")
		return
	}
	var n models.Notification
	if err := json.Unmarshal(ev.New, &n); err != nil {
		e.logger.Warn().Err(err).Msg("dropping undecodable notification row")
		return
	}

	e.mu.Lock()
	ctx, notes, unread, userID := e.ctx, e.notes, e.unread, e.userID
	focus := e.focus
	e.mu.Unlock()
	if notes == nil || n.UserID != userID {
		return
	}

	switch ev.Kind {
	case rowstore.EventInsert:
		res := notes.Ingest(n)

		if res.Suppressed {
			// Seen in the open conversation: confirm the read remotely
			// instead of surfacing it.
			go notes.MarkRead(ctx, n.ID)
		} else {
			if n.IsChat() && !n.IsRead && !res.Existing {
				unread.Adjust(n.RoomID(), 1)
			}
			if !res.Existing {
				e.dispatcher.Dispatch(n, focus)
			}
		}

		// Delivery ack fires for every chat notification that names its
		// message, whether or not the conversation is open.
		if n.IsChat() && n.Metadata.MessageID != "" {
			go func() {
				if err := e.store.MarkMessageDelivered(ctx, n.Metadata.MessageID, userID); err != nil {
					e.logger.Debug().Err(err).Str("message_id", n.Metadata.MessageID).Msg("delivery ack failed")
				}
			}()
		}

	case rowstore.EventUpdate:
		if !n.IsRead {
			return
		}
		wasRead := false
		if len(ev.Old) > 0 {
			var old models.Notification
			if err := json.Unmarshal(ev.Old, &old); err == nil {
				wasRead = old.IsRead
			}
		}
		if wasRead {
			return
		}
		// Our own mark-read mutations echo back here too; the aggregator
		// already adjusted optimistically, so only a genuine flip counts.
		if notes.ApplyRemoteRead(n.ID) && n.IsChat() {
			unread.Adjust(n.RoomID(), -1)
		}
	}
}

// SetActiveRoom switches the open conversation. The previous room's
// topics close, the new room's message and receipt topics open, its
// cached synchronizer loads, and unread state for it clears locally and
// remotely. Switching to the already-active room id is a no-op.
func (e *Engine) SetActiveRoom(ctx context.Context, roomID string) *chat.RoomSync {
	e.mu.Lock()
	if e.notes == nil {
		e.mu.Unlock()
		return nil
	}
	if roomID != "" && roomID == e.activeRoom {
		rs, _ := e.rooms.Cached(roomID)
		e.mu.Unlock()
		return rs
	}
	e.activeRoom = roomID
	notes, unread, rooms, token := e.notes, e.unread, e.rooms, e.token
	prevMsg, prevReceipt := e.msgHandle, e.receiptHandle
	e.msgHandle, e.receiptHandle = nil, nil
	e.mu.Unlock()

	e.channels.Close(prevMsg)
	e.channels.Close(prevReceipt)

	notes.SetActiveRoom(roomID)
	if roomID == "" {
		return nil
	}

	rs := rooms.Activate(roomID)
	if e.snaps != nil {
		if msgs, err := e.snaps.LoadMessages(roomID); err == nil && len(msgs) > 0 {
			rs.Seed(msgs)
		}
	}

	msgHandle := e.channels.Open(
		rowstore.RoomMessagesTopic(roomID),
		token,
		e.handleMessageEvent,
		func() { go e.loadActiveRoom(rs) },
	)
	receiptHandle := e.channels.Open(
		rowstore.RoomReceiptsTopic(roomID),
		token,
		e.handleReceiptEvent,
		nil,
	)
	e.mu.Lock()
	e.msgHandle, e.receiptHandle = msgHandle, receiptHandle
	e.mu.Unlock()

	notes.MarkRoomRead(ctx, roomID)
	unread.Clear(roomID)
	rs.MarkRead(ctx)
	return rs
}

func (e *Engine) loadActiveRoom(rs *chat.RoomSync) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := rs.Load(ctx, chat.DefaultPageSize); err != nil {
		return
	}
	if e.snaps != nil {
		if err := e.snaps.SaveMessages(rs.RoomID(), rs.Messages()); err != nil {
			e.logger.Debug().Err(err).Str("room_id", rs.RoomID()).Msg("message snapshot save failed")
		}
	}
}

func (e *Engine) handleMessageEvent(ev rowstore.Event) {
	if err := e.validator.Validate(ev.Table, ev.New); err != nil {
		e.logger.Warn().Err(err).Str("table", string(ev.Table)).Msg("dropping malformed push row")
		return
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(ev.New, &msg); err != nil {
		e.logger.Warn().Err(err).Msg("dropping undecodable message row")
		return
	}
	msg.Attachments = models.NormalizeAttachments(msg.Attachments)

	e.mu.Lock()
	rooms := e.rooms
	e.mu.Unlock()
	if rooms == nil {
		return
	}
	rs, ok := rooms.Cached(msg.RoomID)
	if !ok {
		// No retained cache; still keep the conversation-list projection
		// current for inserts.
		if ev.Kind == rowstore.EventInsert {
			rooms.ApplyLastMessage(msg.RoomID, msg)
		}
		return
	}

	switch ev.Kind {
	case rowstore.EventInsert:
		rs.OnInsert(msg)
	case rowstore.EventUpdate:
		rs.OnMessageUpdate(msg)
	}
}

// receiptRow is the wire projection of a receipt push event.
type receiptRow struct {
	MessageID   string     `json:"message_id"`
	RoomID      string     `json:"room_id"`
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
}

func (e *Engine) handleReceiptEvent(ev rowstore.Event) {
	if err := e.validator.Validate(ev.Table, ev.New); err != nil {
		e.logger.Warn().Err(err).Str("table", string(ev.Table)).Msg("dropping malformed push row")
		return
	}
	var row receiptRow
	if err := json.Unmarshal(ev.New, &row); err != nil {
		e.logger.Warn().Err(err).Msg("dropping undecodable receipt row")
		return
	}

	e.mu.Lock()
	rooms := e.rooms
	e.mu.Unlock()
	if rooms == nil {
		return
	}
	rooms.ApplyReceipt(chat.ReceiptUpdate{
		MessageID: row.MessageID,
		RoomID:    row.RoomID,
		Receipt: models.Receipt{
			UserID:      row.UserID,
			DeliveredAt: row.DeliveredAt,
			ReadAt:      row.ReadAt,
		},
	})
}

// SetVisibility records window visibility and focus. A transition back to
// visible schedules one debounced authoritative refresh; flapping within
// the debounce window collapses into a single refresh, and going hidden
// again before it fires cancels it.
func (e *Engine) SetVisibility(focus notify.FocusState) {
	e.mu.Lock()
	wasVisible := e.focus.Visible
	e.focus = focus
	if !focus.Visible {
		if e.visTimer != nil {
			e.visTimer.Stop()
			e.visTimer = nil
		}
		e.mu.Unlock()
		return
	}
	if wasVisible {
		e.mu.Unlock()
		return
	}
	if e.visTimer != nil {
		e.visTimer.Stop()
	}
	e.visTimer = time.AfterFunc(e.visDebounce, func() {
		e.mu.Lock()
		e.visTimer = nil
		stillVisible := e.focus.Visible
		e.mu.Unlock()
		if stillVisible {
			e.refreshAll()
		}
	})
	e.mu.Unlock()
}

// MarkRead flips one notification to read, locally then remotely.
func (e *Engine) MarkRead(ctx context.Context, id string) {
	e.mu.Lock()
	notes, unread := e.notes, e.unread
	e.mu.Unlock()
	if notes == nil {
		return
	}
	for _, n := range notes.Notifications() {
		if n.ID == id && !n.IsRead && n.IsChat() {
			unread.Adjust(n.RoomID(), -1)
			break
		}
	}
	notes.MarkRead(ctx, id)
}

// MarkAllRead flips every notification to read and clears the feed's
// contribution to the unread mapping via a fresh rebuild.
func (e *Engine) MarkAllRead(ctx context.Context) {
	e.mu.Lock()
	notes, unread := e.notes, e.unread
	e.mu.Unlock()
	if notes == nil {
		return
	}
	notes.MarkAllRead(ctx)
	if err := unread.Rebuild(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("unread rebuild after mark-all failed")
	}
}

// Notifications returns the current feed, newest first.
func (e *Engine) Notifications() []models.Notification {
	e.mu.Lock()
	notes := e.notes
	e.mu.Unlock()
	if notes == nil {
		return nil
	}
	return notes.Notifications()
}

// UnreadCount returns the feed's unread badge count.
func (e *Engine) UnreadCount() int {
	e.mu.Lock()
	notes := e.notes
	e.mu.Unlock()
	if notes == nil {
		return 0
	}
	return notes.UnreadCount()
}

// UnreadByRoom returns the per-conversation unread mapping.
func (e *Engine) UnreadByRoom() map[string]int {
	e.mu.Lock()
	unread := e.unread
	e.mu.Unlock()
	if unread == nil {
		return map[string]int{}
	}
	return unread.Counts()
}

// RoomUnread returns one conversation's unread count.
func (e *Engine) RoomUnread(roomID string) int {
	e.mu.Lock()
	unread := e.unread
	e.mu.Unlock()
	if unread == nil {
		return 0
	}
	return unread.Get(roomID)
}

// TotalUnread returns the sum of per-conversation unread counts.
func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	unread := e.unread
	e.mu.Unlock()
	if unread == nil {
		return 0
	}
	return unread.Total()
}

// HasAnyUnread reports whether any conversation has unread messages.
func (e *Engine) HasAnyUnread() bool {
	e.mu.Lock()
	unread := e.unread
	e.mu.Unlock()
	if unread == nil {
		return false
	}
	return unread.HasAnyUnread()
}

// Rooms returns the conversation list, newest activity first.
func (e *Engine) Rooms() []models.ChatRoom {
	e.mu.Lock()
	rooms := e.rooms
	e.mu.Unlock()
	if rooms == nil {
		return nil
	}
	return rooms.Rooms()
}

// ActiveRoom returns the open conversation's synchronizer, if any.
func (e *Engine) ActiveRoom() (*chat.RoomSync, bool) {
	e.mu.Lock()
	rooms, active := e.rooms, e.activeRoom
	e.mu.Unlock()
	if rooms == nil || active == "" {
		return nil, false
	}
	return rooms.Cached(active)
}

// Send writes a message into the open conversation.
func (e *Engine) Send(ctx context.Context, content string, attachments []models.Attachment, replyTo string) (models.ChatMessage, error) {
	rs, ok := e.ActiveRoom()
	if !ok {
		return models.ChatMessage{}, ErrNoActiveRoom
	}
	return rs.Send(ctx, content, attachments, replyTo)
}

// Statuses reports the per-topic subscription statuses for the
// connection indicator.
func (e *Engine) Statuses() map[string]rowstore.Status {
	return e.channels.Statuses()
}
