package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// DefaultRebuildPageSize is the page size of the full unread scan.
const DefaultRebuildPageSize = 1000

// Aggregator maintains the unread count per conversation, seeded by a
// full paginated scan and maintained incrementally. Absence of a room key
// means zero; a stored zero never exists.
type Aggregator struct {
	querier  rowstore.Querier
	logger   zerolog.Logger
	pageSize int

	mu         sync.Mutex
	userID     string
	counts     map[string]int
	generation int
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithRebuildPageSize overrides the scan page size.
func WithRebuildPageSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// NewAggregator creates an unread-by-conversation aggregator for one user
// session.
func NewAggregator(querier rowstore.Querier, userID string, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		querier:  querier,
		logger:   logging.Component("unread"),
		pageSize: DefaultRebuildPageSize,
		userID:   userID,
		counts:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Rebuild replaces the mapping from a full paginated scan of unread chat
// notifications, continuing until a short page. It is the source of
// truth; Adjust only keeps the map current between rebuilds. A scan error
// leaves the prior mapping intact.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	a.mu.Lock()
	gen := a.generation
	userID := a.userID
	a.mu.Unlock()

	aggregated := make(map[string]int)
	for offset := 0; ; offset += a.pageSize {
		rows, err := a.querier.UnreadChatNotifications(ctx, userID, offset, a.pageSize)
		if err != nil {
			a.logger.Warn().Err(err).Msg("unread rebuild failed, keeping cached counts")
			return err
		}
		for _, n := range rows {
			if room := n.RoomID(); room != "" {
				aggregated[room]++
			}
		}
		if len(rows) < a.pageSize {
			break
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return nil
	}
	a.counts = aggregated
	return nil
}

// Adjust shifts one conversation's count by delta, clamped at zero. The
// key is removed entirely when the count reaches zero.
func (a *Aggregator) Adjust(roomID string, delta int) {
	if roomID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.counts[roomID] + delta
	if next <= 0 {
		delete(a.counts, roomID)
		return
	}
	a.counts[roomID] = next
}

// Clear drops one conversation's count. Clearing an absent key is a
// no-op.
func (a *Aggregator) Clear(roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, roomID)
}

// Get returns one conversation's unread count (zero when absent).
func (a *Aggregator) Get(roomID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[roomID]
}

// Counts returns a copy of the mapping.
func (a *Aggregator) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// Total returns the sum of all per-room counts.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, v := range a.counts {
		total += v
	}
	return total
}

// HasAnyUnread reports whether any conversation has unread messages.
func (a *Aggregator) HasAnyUnread() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counts) > 0
}

// Reset clears the mapping on session loss and invalidates in-flight
// rebuilds.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	a.counts = make(map[string]int)
}
