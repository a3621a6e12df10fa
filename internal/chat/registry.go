package chat

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// DefaultRetainedRooms is how many recently viewed conversations keep
// their message cache.
const DefaultRetainedRooms = 8

// Registry owns the per-conversation synchronizers and the
// conversation-list projection. The most recently viewed rooms retain
// their message cache; older ones are evicted and reload on next visit.
type Registry struct {
	querier  rowstore.Querier
	mutator  rowstore.Mutator
	selfID   string
	capacity int
	logger   zerolog.Logger

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
	rooms   map[string]models.ChatRoom
}

type registryEntry struct {
	roomID string
	sync   *RoomSync
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetainedRooms overrides how many room caches are retained.
func WithRetainedRooms(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// NewRegistry creates the conversation registry for one user session.
func NewRegistry(querier rowstore.Querier, mutator rowstore.Mutator, selfID string, opts ...RegistryOption) *Registry {
	r := &Registry{
		querier:  querier,
		mutator:  mutator,
		selfID:   selfID,
		capacity: DefaultRetainedRooms,
		logger:   logging.Component("chat-registry"),
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		rooms:    make(map[string]models.ChatRoom),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activate returns the synchronizer for a conversation, creating it if
// needed, and marks it most recently used. The least recently used
// synchronizer beyond capacity is closed and evicted.
func (r *Registry) Activate(roomID string) *RoomSync {
	r.mu.Lock()

	if elem, ok := r.entries[roomID]; ok {
		r.order.MoveToFront(elem)
		rs := elem.Value.(*registryEntry).sync
		r.mu.Unlock()
		return rs
	}

	rs := NewRoomSync(r.querier, r.mutator, roomID, r.selfID)
	rs.onLastMessage = r.ApplyLastMessage
	elem := r.order.PushFront(&registryEntry{roomID: roomID, sync: rs})
	r.entries[roomID] = elem

	var evicted []*RoomSync
	for r.order.Len() > r.capacity {
		last := r.order.Back()
		if last == nil {
			break
		}
		r.order.Remove(last)
		entry := last.Value.(*registryEntry)
		delete(r.entries, entry.roomID)
		evicted = append(evicted, entry.sync)
	}
	r.mu.Unlock()

	for _, old := range evicted {
		old.Close()
		r.logger.Debug().Str("room_id", old.RoomID()).Msg("room cache evicted")
	}
	return rs
}

// Cached returns a retained synchronizer without touching recency.
func (r *Registry) Cached(roomID string) (*RoomSync, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.entries[roomID]
	if !ok {
		return nil, false
	}
	return elem.Value.(*registryEntry).sync, true
}

// LoadRooms pulls the conversation list. A pull error keeps the prior
// projection.
func (r *Registry) LoadRooms(ctx context.Context) error {
	rooms, err := r.querier.Rooms(ctx, r.selfID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("room list load failed, keeping cached list")
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]models.ChatRoom, len(rooms))
	for _, room := range rooms {
		r.rooms[room.ID] = room
	}
	return nil
}

// Rooms returns the conversation list ordered by last activity, newest
// first.
func (r *Registry) Rooms() []models.ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// ApplyLastMessage refreshes a room's last-message projection when the
// message is the same one or newer.
func (r *Registry) ApplyLastMessage(roomID string, msg models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = models.ChatRoom{ID: roomID}
	}
	if room.LastMessage != nil && room.LastMessage.ID != msg.ID && msg.CreatedAt.Before(room.LastMessageAt) {
		return
	}
	room.LastMessage = &msg
	if msg.CreatedAt.After(room.LastMessageAt) {
		room.LastMessageAt = msg.CreatedAt
	}
	r.rooms[roomID] = room
}

// ApplyReceipt patches the last-message projection with a receipt
// observation and forwards it into the retained synchronizer, if any.
// Observations without a user id are dropped.
func (r *Registry) ApplyReceipt(u ReceiptUpdate) {
	if models.ValidateReceipt(u.Receipt) != nil {
		return
	}
	r.mu.Lock()
	room, ok := r.rooms[u.RoomID]
	if ok && room.LastMessage != nil && room.LastMessage.ID == u.MessageID {
		if merged, changed := MergeReceipt(room.LastMessage.Receipts, u.Receipt); changed {
			// Rooms() snapshots share the projection pointer; swap in a
			// fresh message instead of writing through it.
			last := *room.LastMessage
			last.Receipts = merged
			room.LastMessage = &last
			r.rooms[u.RoomID] = room
		}
	}
	elem, cached := r.entries[u.RoomID]
	var rs *RoomSync
	if cached {
		rs = elem.Value.(*registryEntry).sync
	}
	r.mu.Unlock()

	if rs != nil {
		rs.OnReceiptUpdate(u)
	}
}

// Reset closes every retained synchronizer and clears the projection on
// session loss.
func (r *Registry) Reset() {
	r.mu.Lock()
	var syncs []*RoomSync
	for _, elem := range r.entries {
		syncs = append(syncs, elem.Value.(*registryEntry).sync)
	}
	r.order = list.New()
	r.entries = make(map[string]*list.Element)
	r.rooms = make(map[string]models.ChatRoom)
	r.mu.Unlock()

	for _, rs := range syncs {
		rs.Close()
	}
}
