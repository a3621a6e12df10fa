package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore/memory"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *memory.Store) {
	t.Helper()
	backend := memory.New()
	return NewRegistry(backend, backend, "self", opts...), backend
}

func TestActivateReturnsSameSyncForSameRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)
	first := reg.Activate("r1")
	second := reg.Activate("r1")
	require.Same(t, first, second)
}

func TestActivateEvictsLeastRecentlyUsed(t *testing.T) {
	reg, _ := newTestRegistry(t, WithRetainedRooms(2))

	r1 := reg.Activate("r1")
	r2 := reg.Activate("r2")
	reg.Activate("r1") // r1 becomes most recent
	reg.Activate("r3") // evicts r2

	_, ok := reg.Cached("r2")
	require.False(t, ok)
	cached, ok := reg.Cached("r1")
	require.True(t, ok)
	require.Same(t, r1, cached)

	// The evicted synchronizer is closed: merges no longer apply.
	require.False(t, r2.OnInsert(message("m1", "r2", "alice", time.Now())))

	// Revisiting the evicted room builds a fresh synchronizer.
	require.NotSame(t, r2, reg.Activate("r2"))
}

func TestLoadRoomsBuildsProjection(t *testing.T) {
	reg, backend := newTestRegistry(t)
	base := time.Now()
	backend.SeedRooms(
		models.ChatRoom{ID: "r1", Type: models.RoomTypeDirect, Name: "Alice", LastMessageAt: base},
		models.ChatRoom{ID: "r2", Type: models.RoomTypeGroup, Name: "Team", LastMessageAt: base.Add(time.Hour)},
	)

	require.NoError(t, reg.LoadRooms(context.Background()))
	rooms := reg.Rooms()
	require.Len(t, rooms, 2)
	require.Equal(t, "r2", rooms[0].ID, "newest activity first")
}

func TestLoadRoomsErrorKeepsProjection(t *testing.T) {
	reg, backend := newTestRegistry(t)
	backend.SeedRooms(models.ChatRoom{ID: "r1", LastMessageAt: time.Now()})
	require.NoError(t, reg.LoadRooms(context.Background()))

	backend.FailPulls = context.DeadlineExceeded
	require.Error(t, reg.LoadRooms(context.Background()))
	require.Len(t, reg.Rooms(), 1)
}

func TestApplyLastMessageIgnoresOlderMessages(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()

	newest := message("m2", "r1", "alice", base)
	reg.ApplyLastMessage("r1", newest)

	stale := message("m1", "r1", "alice", base.Add(-time.Hour))
	reg.ApplyLastMessage("r1", stale)

	rooms := reg.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "m2", rooms[0].LastMessage.ID)
	require.True(t, rooms[0].LastMessageAt.Equal(base))
}

func TestApplyLastMessageUpdatesSameId(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()

	reg.ApplyLastMessage("r1", message("m1", "r1", "alice", base))
	edited := message("m1", "r1", "alice", base)
	edited.Content = "edited"
	reg.ApplyLastMessage("r1", edited)

	require.Equal(t, "edited", reg.Rooms()[0].LastMessage.Content)
}

func TestApplyReceiptPatchesLastMessageAndCache(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()

	rs := reg.Activate("r1")
	rs.OnInsert(message("m1", "r1", "self", base))

	ts := base.Add(time.Second)
	reg.ApplyReceipt(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", ReadAt: &ts},
	})

	require.Len(t, rs.Messages()[0].Receipts, 1, "forwarded into the cached synchronizer")
	room := reg.Rooms()[0]
	require.NotNil(t, room.LastMessage)
	require.Len(t, room.LastMessage.Receipts, 1)
}

func TestApplyReceiptLeavesEarlierRoomSnapshotsAlone(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()
	rs := reg.Activate("r1")
	rs.OnInsert(message("m1", "r1", "self", base))
	snapshot := reg.Rooms()

	ts := base.Add(time.Second)
	reg.ApplyReceipt(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", ReadAt: &ts},
	})

	require.Empty(t, snapshot[0].LastMessage.Receipts, "snapshot taken before the merge must not observe it")
	require.Len(t, reg.Rooms()[0].LastMessage.Receipts, 1)
}

func TestApplyReceiptWithoutUserIsDropped(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()
	rs := reg.Activate("r1")
	rs.OnInsert(message("m1", "r1", "self", base))

	ts := base.Add(time.Second)
	reg.ApplyReceipt(ReceiptUpdate{MessageID: "m1", RoomID: "r1", Receipt: models.Receipt{ReadAt: &ts}})

	require.Empty(t, rs.Messages()[0].Receipts)
	require.Empty(t, reg.Rooms()[0].LastMessage.Receipts)
}

func TestApplyReceiptForOtherMessageLeavesProjection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	base := time.Now()
	rs := reg.Activate("r1")
	rs.OnInsert(message("m1", "r1", "self", base))
	rs.OnInsert(message("m2", "r1", "self", base.Add(time.Second)))

	ts := base.Add(2 * time.Second)
	reg.ApplyReceipt(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", ReadAt: &ts},
	})

	room := reg.Rooms()[0]
	require.Equal(t, "m2", room.LastMessage.ID)
	require.Empty(t, room.LastMessage.Receipts, "receipt was for an older message")
}

func TestRegistryResetClearsEverything(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rs := reg.Activate("r1")
	rs.OnInsert(message("m1", "r1", "alice", time.Now()))

	reg.Reset()
	_, ok := reg.Cached("r1")
	require.False(t, ok)
	require.Empty(t, reg.Rooms())

	// The closed synchronizer rejects further merges.
	require.False(t, rs.OnInsert(message("m2", "r1", "alice", time.Now())))
}
