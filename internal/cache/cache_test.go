package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNotificationSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	rows := []models.Notification{
		{
			ID:        "n1",
			UserID:    "u1",
			Type:      models.NotificationTypeChat,
			Content:   "hello",
			Metadata:  models.NotificationMeta{RoomID: "r1", MessageID: "m1"},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
	}
	require.NoError(t, store.SaveNotifications("u1", rows))

	got, err := store.LoadNotifications("u1")
	require.NoError(t, err)
	require.Equal(t, rows, got)
}

func TestSnapshotMissIsNil(t *testing.T) {
	store := openTestStore(t)

	rows, err := store.LoadNotifications("nobody")
	require.NoError(t, err)
	require.Nil(t, rows)

	msgs, err := store.LoadMessages("nowhere")
	require.NoError(t, err)
	require.Nil(t, msgs)
}

func TestSaveReplacesPriorSnapshot(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveNotifications("u1", []models.Notification{{ID: "old", UserID: "u1", Type: models.NotificationTypeSystem}}))
	require.NoError(t, store.SaveNotifications("u1", []models.Notification{{ID: "new", UserID: "u1", Type: models.NotificationTypeSystem}}))

	got, err := store.LoadNotifications("u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].ID)
}

func TestMessageSnapshotsAreKeyedByRoom(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	r1 := []models.ChatMessage{{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi", CreatedAt: base}}
	r2 := []models.ChatMessage{{ID: "m2", RoomID: "r2", SenderID: "bob", Content: "yo", CreatedAt: base}}
	require.NoError(t, store.SaveMessages("r1", r1))
	require.NoError(t, store.SaveMessages("r2", r2))

	got, err := store.LoadMessages("r1")
	require.NoError(t, err)
	require.Equal(t, r1, got)
}
