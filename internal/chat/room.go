// Package chat synchronizes per-conversation message lists with the push
// feed: new messages, edits, deletions, and delivery/read receipts.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// DefaultPageSize is the initial message page.
const DefaultPageSize = 50

// RoomSync merges a conversation's message stream into an ordered list.
// Messages are held oldest-first; all merges are idempotent and tolerate
// out-of-order delivery across topics.
type RoomSync struct {
	querier rowstore.Querier
	mutator rowstore.Mutator
	roomID  string
	selfID  string
	logger  zerolog.Logger

	// onLastMessage propagates newest-message changes into the
	// conversation-list projection.
	onLastMessage func(roomID string, msg models.ChatMessage)

	mu         sync.Mutex
	msgs       []models.ChatMessage
	generation int
	closed     bool
}

// NewRoomSync creates a synchronizer for one conversation.
func NewRoomSync(querier rowstore.Querier, mutator rowstore.Mutator, roomID, selfID string) *RoomSync {
	return &RoomSync{
		querier: querier,
		mutator: mutator,
		roomID:  roomID,
		selfID:  selfID,
		logger:  logging.WithRoom(logging.Component("room-sync"), roomID),
	}
}

// Load pulls the newest page and replaces the list (displayed
// oldest-first). A completed pull is discarded if the synchronizer was
// torn down while it was in flight.
func (r *RoomSync) Load(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	rows, err := r.querier.Messages(ctx, r.roomID, rowstore.MessageQuery{Limit: limit})
	if err != nil {
		r.logger.Warn().Err(err).Msg("load failed, keeping cached messages")
		return nil, err
	}
	sortAscending(rows)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.generation {
		return nil, nil
	}
	r.msgs = rows
	return append([]models.ChatMessage(nil), r.msgs...), nil
}

// Seed installs a previously cached message list without touching the
// backend, used for warm starts. Rows failing validation are dropped;
// snapshots are not schema-checked the way push rows are. It only
// applies while the list is empty; a later Load replaces it.
func (r *RoomSync) Seed(msgs []models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.msgs) > 0 {
		return
	}
	rows := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if err := models.ValidateMessage(m); err != nil {
			r.logger.Warn().Err(err).Msg("dropping invalid cached message")
			continue
		}
		rows = append(rows, m)
	}
	sortAscending(rows)
	r.msgs = rows
}

// LoadOlder pulls messages created before the given time and prepends
// them. Returns how many were appended to the front of the list.
func (r *RoomSync) LoadOlder(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	rows, err := r.querier.Messages(ctx, r.roomID, rowstore.MessageQuery{Limit: limit, Before: before})
	if err != nil {
		return 0, err
	}
	sortAscending(rows)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.generation {
		return 0, nil
	}
	added := 0
	existing := r.indexLocked()
	merged := make([]models.ChatMessage, 0, len(rows)+len(r.msgs))
	for _, m := range rows {
		if _, ok := existing[m.ID]; ok {
			continue
		}
		merged = append(merged, m)
		added++
	}
	r.msgs = append(merged, r.msgs...)
	return added, nil
}

// OnInsert merges one new message. Duplicates by id are dropped, so a
// locally optimistic send followed by the server-confirmed echo never
// doubles the list. Returns true when the list changed.
func (r *RoomSync) OnInsert(msg models.ChatMessage) bool {
	if msg.RoomID != r.roomID {
		return false
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.indexLocked()[msg.ID]; ok {
		r.mu.Unlock()
		return false
	}
	r.insertOrderedLocked(msg)
	newest := r.msgs[len(r.msgs)-1].ID == msg.ID
	r.mu.Unlock()

	if newest && r.onLastMessage != nil {
		r.onLastMessage(r.roomID, msg)
	}
	return true
}

// OnReceiptUpdate merges one receipt observation into the matching
// message using the monotonic field rule, and propagates it into the
// conversation-list projection when the message is the newest one.
func (r *RoomSync) OnReceiptUpdate(u ReceiptUpdate) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	idx, ok := r.indexLocked()[u.MessageID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	merged, changed := MergeReceipt(r.msgs[idx].Receipts, u.Receipt)
	r.msgs[idx].Receipts = merged
	var last models.ChatMessage
	newest := idx == len(r.msgs)-1
	if newest {
		last = r.msgs[idx]
	}
	r.mu.Unlock()

	if changed && newest && r.onLastMessage != nil {
		r.onLastMessage(r.roomID, last)
	}
	return changed
}

// OnMessageUpdate applies an edit or soft-delete. Fields the wire
// projection omits (sender, receipts, attachments) are preserved from the
// cached message; a partial patch never erases richer local data.
func (r *RoomSync) OnMessageUpdate(patch models.ChatMessage) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	idx, ok := r.indexLocked()[patch.ID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	cached := r.msgs[idx]
	if patch.Sender == nil {
		patch.Sender = cached.Sender
	}
	if patch.Receipts == nil {
		patch.Receipts = cached.Receipts
	}
	if patch.Attachments == nil {
		patch.Attachments = cached.Attachments
	}
	if patch.CreatedAt.IsZero() {
		patch.CreatedAt = cached.CreatedAt
	}
	if patch.SenderID == "" {
		patch.SenderID = cached.SenderID
	}
	r.msgs[idx] = patch
	var last models.ChatMessage
	newest := idx == len(r.msgs)-1
	if newest {
		last = r.msgs[idx]
	}
	r.mu.Unlock()

	if newest && r.onLastMessage != nil {
		r.onLastMessage(r.roomID, last)
	}
	return true
}

// Send writes a message: an optimistic pending entry appears in the list
// immediately, then the confirmed row replaces it by id. On a write
// failure the pending entry is removed and the error returned.
func (r *RoomSync) Send(ctx context.Context, content string, attachments []models.Attachment, replyTo string) (models.ChatMessage, error) {
	if content == "" && len(attachments) == 0 {
		return models.ChatMessage{}, fmt.Errorf("empty message")
	}

	pending := models.ChatMessage{
		ID:          uuid.NewString(),
		RoomID:      r.roomID,
		SenderID:    r.selfID,
		Content:     content,
		Attachments: models.NormalizeAttachments(attachments),
		ReplyToID:   replyTo,
		CreatedAt:   time.Now().UTC(),
	}
	r.OnInsert(pending)

	stored, err := r.mutator.InsertMessage(ctx, pending)
	if err != nil {
		r.mu.Lock()
		if idx, ok := r.indexLocked()[pending.ID]; ok {
			r.msgs = append(r.msgs[:idx], r.msgs[idx+1:]...)
		}
		r.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("send message: %w", err)
	}

	if stored.ID != pending.ID {
		// Backend assigned its own id; replace the pending entry and
		// let the push echo dedup against the stored id.
		r.mu.Lock()
		if idx, ok := r.indexLocked()[pending.ID]; ok {
			r.msgs = append(r.msgs[:idx], r.msgs[idx+1:]...)
		}
		r.mu.Unlock()
		r.OnInsert(stored)
	} else {
		r.OnMessageUpdate(stored)
	}
	return stored, nil
}

// MarkRead upserts read receipts for this user across the room.
func (r *RoomSync) MarkRead(ctx context.Context) {
	if err := r.mutator.MarkRoomMessagesRead(ctx, r.roomID, r.selfID); err != nil {
		r.logger.Warn().Err(err).Msg("remote room read-receipts failed")
	}
}

// Messages returns a copy of the list, oldest first.
func (r *RoomSync) Messages() []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChatMessage(nil), r.msgs...)
}

// RoomID returns the conversation this synchronizer owns.
func (r *RoomSync) RoomID() string { return r.roomID }

// Close tears the synchronizer down; in-flight pull results are
// discarded afterwards.
func (r *RoomSync) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.generation++
}

func (r *RoomSync) indexLocked() map[string]int {
	idx := make(map[string]int, len(r.msgs))
	for i, m := range r.msgs {
		idx[m.ID] = i
	}
	return idx
}

func (r *RoomSync) insertOrderedLocked(msg models.ChatMessage) {
	n := len(r.msgs)
	if n == 0 || !msg.CreatedAt.Before(r.msgs[n-1].CreatedAt) {
		r.msgs = append(r.msgs, msg)
		return
	}
	at := sort.Search(n, func(i int) bool {
		return r.msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	r.msgs = append(r.msgs, models.ChatMessage{})
	copy(r.msgs[at+1:], r.msgs[at:])
	r.msgs[at] = msg
}

func sortAscending(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
