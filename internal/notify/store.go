// Package notify holds the in-memory notification log, the per-room
// unread aggregation, and the side-effect dispatch for incoming events.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/systemflow/flowsync/internal/logging"
	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// DefaultFeedLimit is how many recent notifications the store retains,
// matching the backend pull page.
const DefaultFeedLimit = 30

// IngestResult reports what Ingest did with an event, so the caller can
// decide on unread adjustments and side effects.
type IngestResult struct {
	// Suppressed is true when the notification targeted the currently
	// active conversation and was marked read instead of surfaced.
	Suppressed bool

	// Existing is true when an entry with the same id was already in
	// the feed; the event moved it to the front but is not new.
	Existing bool
}

// Store is the authoritative in-memory ordered log of recent
// notifications plus the derived unread counter. It is a singleton per
// session.
type Store struct {
	querier rowstore.Querier
	mutator rowstore.Mutator
	prefs   *Preferences
	logger  zerolog.Logger
	limit   int

	mu         sync.Mutex
	userID     string
	items      []models.Notification
	activeRoom string
	generation int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFeedLimit overrides the retained feed length.
func WithFeedLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewStore creates a notification store for one user session.
func NewStore(querier rowstore.Querier, mutator rowstore.Mutator, prefs *Preferences, userID string, opts ...StoreOption) *Store {
	s := &Store{
		querier: querier,
		mutator: mutator,
		prefs:   prefs,
		logger:  logging.WithUser(logging.Component("notify-store"), userID),
		limit:   DefaultFeedLimit,
		userID:  userID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh pulls the most recent notifications and replaces the feed.
// A pull error is logged and leaves the prior cached feed intact. A
// result that completes after Reset is discarded.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	userID := s.userID
	s.mu.Unlock()

	rows, err := s.querier.RecentNotifications(ctx, userID, s.limit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh failed, keeping cached feed")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil
	}
	s.items = rows
	return nil
}

// Seed installs a previously cached feed without touching the backend,
// used for warm starts. Rows failing validation are dropped; snapshots
// are not schema-checked the way push rows are. A later Refresh replaces
// the seeded feed.
func (s *Store) Seed(rows []models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) > 0 {
		return
	}
	kept := make([]models.Notification, 0, len(rows))
	for _, n := range rows {
		if err := models.ValidateNotification(n); err != nil {
			s.logger.Warn().Err(err).Msg("dropping invalid cached notification")
			continue
		}
		kept = append(kept, n)
	}
	s.items = kept
}

// Ingest merges one push INSERT into the feed. The merge removes any
// existing entry with the same id, prepends the new one, and truncates to
// the feed limit, which makes replayed events idempotent.
//
// A chat notification for the currently active conversation is marked
// read locally instead of surfaced; the caller confirms the read remotely.
func (s *Store) Ingest(n models.Notification) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := n.RoomID(); room != "" && room == s.activeRoom {
		s.markReadLocked(n.ID)
		return IngestResult{Suppressed: true}
	}

	existing := false
	filtered := s.items[:0:0]
	for _, item := range s.items {
		if item.ID == n.ID {
			existing = true
			continue
		}
		filtered = append(filtered, item)
	}
	merged := make([]models.Notification, 0, len(filtered)+1)
	merged = append(merged, n)
	merged = append(merged, filtered...)
	if len(merged) > s.limit {
		merged = merged[:s.limit]
	}
	s.items = merged

	return IngestResult{Existing: existing}
}

// MarkRead flips one notification to read, locally first and then
// remotely. A remote failure is logged and the optimistic state kept; a
// later Refresh self-corrects.
func (s *Store) MarkRead(ctx context.Context, id string) {
	s.mu.Lock()
	s.markReadLocked(id)
	userID := s.userID
	s.mu.Unlock()

	if err := s.mutator.MarkNotificationRead(ctx, userID, id); err != nil {
		s.logger.Warn().Err(err).Str("notification_id", id).Msg("remote mark-read failed")
	}
}

// MarkAllRead flips every notification to read, locally then remotely.
func (s *Store) MarkAllRead(ctx context.Context) {
	s.mu.Lock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	userID := s.userID
	s.mu.Unlock()

	if err := s.mutator.MarkAllNotificationsRead(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Msg("remote mark-all-read failed")
	}
}

// MarkRoomRead flips the unread chat notifications of one conversation,
// locally then remotely via a single bulk mutation.
func (s *Store) MarkRoomRead(ctx context.Context, roomID string) {
	if roomID == "" {
		return
	}
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].IsRead || s.items[i].RoomID() != roomID {
			continue
		}
		s.items[i].IsRead = true
	}
	userID := s.userID
	s.mu.Unlock()

	if err := s.mutator.MarkRoomNotificationsRead(ctx, userID, roomID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("remote room mark-read failed")
	}
}

// ApplyRemoteRead records a read transition observed on the push feed
// (another device marked the notification read). Returns true when a
// local unread entry flipped.
func (s *Store) ApplyRemoteRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].IsRead {
				return false
			}
			s.items[i].IsRead = true
			return true
		}
	}
	return false
}

// SetActiveRoom records the conversation the user is currently viewing;
// incoming chat notifications for it are suppressed.
func (s *Store) SetActiveRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRoom = roomID
}

// ActiveRoom returns the currently active conversation id, or "".
func (s *Store) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

// Notifications returns a copy of the current feed, newest first.
func (s *Store) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.items...)
}

// UnreadCount counts unread notifications whose channel is enabled for
// in-app display.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.items {
		if n.IsRead {
			continue
		}
		if s.prefs.ForType(n.Type).InAppEnabled {
			count++
		}
	}
	return count
}

// Reset clears all state on session loss and invalidates in-flight pulls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.items = nil
	s.activeRoom = ""
}

func (s *Store) markReadLocked(id string) {
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].IsRead = true
			return
		}
	}
}
