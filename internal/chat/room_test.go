package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore/memory"
)

func message(id, roomID, senderID string, createdAt time.Time) models.ChatMessage {
	return models.ChatMessage{
		ID:        id,
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   "msg " + id,
		CreatedAt: createdAt,
	}
}

func newTestRoom(t *testing.T) (*RoomSync, *memory.Store) {
	t.Helper()
	backend := memory.New()
	return NewRoomSync(backend, backend, "r1", "self"), backend
}

func TestLoadReturnsAscendingOrder(t *testing.T) {
	rs, backend := newTestRoom(t)
	base := time.Now()
	backend.SeedMessages(
		message("m2", "r1", "alice", base.Add(time.Second)),
		message("m1", "r1", "alice", base),
		message("m3", "r1", "alice", base.Add(2*time.Second)),
	)

	msgs, err := rs.Load(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
}

func TestLoadErrorKeepsCachedMessages(t *testing.T) {
	rs, backend := newTestRoom(t)
	backend.SeedMessages(message("m1", "r1", "alice", time.Now()))
	_, err := rs.Load(context.Background(), 10)
	require.NoError(t, err)

	backend.FailPulls = context.DeadlineExceeded
	_, err = rs.Load(context.Background(), 10)
	require.Error(t, err)
	require.Len(t, rs.Messages(), 1)
}

func TestLoadOlderPrependsWithoutDuplicates(t *testing.T) {
	rs, backend := newTestRoom(t)
	base := time.Now()
	backend.SeedMessages(
		message("m1", "r1", "alice", base.Add(-2*time.Second)),
		message("m2", "r1", "alice", base.Add(-time.Second)),
		message("m3", "r1", "alice", base),
	)

	_, err := rs.Load(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3"}, ids(rs.Messages()))

	added, err := rs.LoadOlder(context.Background(), base.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(rs.Messages()))

	added, err = rs.LoadOlder(context.Background(), base.Add(-time.Second), 10)
	require.NoError(t, err)
	require.Zero(t, added, "replayed page adds nothing")
}

func TestOnInsertDeduplicatesById(t *testing.T) {
	rs, _ := newTestRoom(t)
	m := message("m1", "r1", "alice", time.Now())

	require.True(t, rs.OnInsert(m))
	require.False(t, rs.OnInsert(m))
	require.Len(t, rs.Messages(), 1)
}

func TestOnInsertKeepsChronologicalOrder(t *testing.T) {
	rs, _ := newTestRoom(t)
	base := time.Now()

	rs.OnInsert(message("m2", "r1", "alice", base.Add(time.Second)))
	rs.OnInsert(message("m1", "r1", "alice", base))
	rs.OnInsert(message("m3", "r1", "alice", base.Add(2*time.Second)))

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(rs.Messages()))
}

func TestOnInsertIgnoresOtherRooms(t *testing.T) {
	rs, _ := newTestRoom(t)
	require.False(t, rs.OnInsert(message("m1", "other", "alice", time.Now())))
	require.Empty(t, rs.Messages())
}

func TestReceiptFieldsAreIndependentlyMonotonic(t *testing.T) {
	rs, _ := newTestRoom(t)
	rs.OnInsert(message("m1", "r1", "self", time.Now()))

	t1 := time.Now()
	require.True(t, rs.OnReceiptUpdate(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", DeliveredAt: &t1},
	}))

	t2 := t1.Add(time.Second)
	require.True(t, rs.OnReceiptUpdate(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", ReadAt: &t2},
	}))

	receipts := rs.Messages()[0].Receipts
	require.Len(t, receipts, 1)
	require.NotNil(t, receipts[0].DeliveredAt, "read update must not clear delivered")
	require.True(t, receipts[0].DeliveredAt.Equal(t1))
	require.True(t, receipts[0].ReadAt.Equal(t2))
}

func TestReceiptMergeLeavesEarlierSnapshotsAlone(t *testing.T) {
	rs, _ := newTestRoom(t)
	rs.OnInsert(message("m1", "r1", "self", time.Now()))

	t1 := time.Now()
	require.True(t, rs.OnReceiptUpdate(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", DeliveredAt: &t1},
	}))
	snapshot := rs.Messages()

	t2 := t1.Add(time.Second)
	require.True(t, rs.OnReceiptUpdate(ReceiptUpdate{
		MessageID: "m1", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", ReadAt: &t2},
	}))

	require.Nil(t, snapshot[0].Receipts[0].ReadAt, "snapshot taken before the merge must not observe it")
	require.NotNil(t, rs.Messages()[0].Receipts[0].ReadAt)
}

func TestSeedDropsRowsMissingRequiredFields(t *testing.T) {
	rs, _ := newTestRoom(t)
	rs.Seed([]models.ChatMessage{
		message("m1", "r1", "alice", time.Now()),
		{ID: "m2", RoomID: "r1"},
	})
	require.Equal(t, []string{"m1"}, ids(rs.Messages()))
}

func TestReceiptUpdateForUnknownMessageIsDropped(t *testing.T) {
	rs, _ := newTestRoom(t)
	ts := time.Now()
	require.False(t, rs.OnReceiptUpdate(ReceiptUpdate{
		MessageID: "missing", RoomID: "r1",
		Receipt: models.Receipt{UserID: "bob", DeliveredAt: &ts},
	}))
}

func TestOnMessageUpdatePreservesOmittedFields(t *testing.T) {
	rs, _ := newTestRoom(t)
	base := time.Now()
	full := message("m1", "r1", "alice", base)
	full.Sender = &models.Profile{ID: "alice", Name: "Alice"}
	full.Attachments = []models.Attachment{{Type: "image", URL: "u", Name: "pic.png"}}
	ts := base.Add(time.Second)
	full.Receipts = []models.Receipt{{UserID: "self", DeliveredAt: &ts}}
	rs.OnInsert(full)

	edited := base.Add(2 * time.Second)
	patch := models.ChatMessage{ID: "m1", RoomID: "r1", Content: "edited", EditedAt: &edited}
	require.True(t, rs.OnMessageUpdate(patch))

	got := rs.Messages()[0]
	require.Equal(t, "edited", got.Content)
	require.NotNil(t, got.EditedAt)
	require.NotNil(t, got.Sender, "bare patch must not erase the joined sender")
	require.Len(t, got.Receipts, 1)
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "alice", got.SenderID)
	require.True(t, got.CreatedAt.Equal(base))
}

func TestOnMessageUpdateSoftDelete(t *testing.T) {
	rs, _ := newTestRoom(t)
	base := time.Now()
	rs.OnInsert(message("m1", "r1", "alice", base))

	deleted := base.Add(time.Second)
	rs.OnMessageUpdate(models.ChatMessage{ID: "m1", RoomID: "r1", DeletedAt: &deleted})
	require.True(t, rs.Messages()[0].Deleted())
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	rs, backend := newTestRoom(t)

	stored, err := rs.Send(context.Background(), "hi there", nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	msgs := rs.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, stored.ID, msgs[0].ID)
	require.Equal(t, "self", msgs[0].SenderID)

	// The push echo of our own insert must not double the message.
	backend.PushMessage(stored)
	require.False(t, rs.OnInsert(stored))
	require.Len(t, rs.Messages(), 1)
}

func TestSendFailureRemovesPendingEntry(t *testing.T) {
	backend := memory.New()
	rs := NewRoomSync(backend, failingMutator{backend}, "r1", "self")

	_, err := rs.Send(context.Background(), "hi", nil, "")
	require.Error(t, err)
	require.Empty(t, rs.Messages())
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	rs, _ := newTestRoom(t)
	_, err := rs.Send(context.Background(), "", nil, "")
	require.Error(t, err)
}

func TestSendDropsInvalidAttachments(t *testing.T) {
	rs, _ := newTestRoom(t)
	attachments := []models.Attachment{
		{Type: "image", URL: "u", Name: "ok.png"},
		{Type: "image", URL: "", Name: "broken.png"},
	}
	stored, err := rs.Send(context.Background(), "with files", attachments, "")
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 1)
}

func TestCloseDiscardsInFlightLoads(t *testing.T) {
	rs, backend := newTestRoom(t)
	backend.SeedMessages(message("m1", "r1", "alice", time.Now()))

	rs.Close()
	msgs, err := rs.Load(context.Background(), 10)
	require.NoError(t, err)
	require.Nil(t, msgs)
	require.Empty(t, rs.Messages())
}

type failingMutator struct {
	*memory.Store
}

func (failingMutator) InsertMessage(context.Context, models.ChatMessage) (models.ChatMessage, error) {
	return models.ChatMessage{}, fmt.Errorf("write rejected")
}

func ids(msgs []models.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
