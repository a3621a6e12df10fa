package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateNotification(t *testing.T) {
	valid := Notification{ID: "n1", UserID: "u1", Type: NotificationTypeChat}
	require.NoError(t, ValidateNotification(valid))

	cases := []struct {
		name string
		n    Notification
		want error
	}{
		{"missing id", Notification{UserID: "u1", Type: NotificationTypeChat}, ErrMissingID},
		{"missing user", Notification{ID: "n1", Type: NotificationTypeChat}, ErrMissingUser},
		{"bad type", Notification{ID: "n1", UserID: "u1", Type: "marketing"}, ErrInvalidType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, ValidateNotification(tc.n), tc.want)
		})
	}
}

func TestValidateMessage(t *testing.T) {
	require.NoError(t, ValidateMessage(ChatMessage{ID: "m1", RoomID: "r1", SenderID: "u1"}))
	require.ErrorIs(t, ValidateMessage(ChatMessage{RoomID: "r1", SenderID: "u1"}), ErrMissingID)
	require.ErrorIs(t, ValidateMessage(ChatMessage{ID: "m1", SenderID: "u1"}), ErrMissingRoom)
	require.ErrorIs(t, ValidateMessage(ChatMessage{ID: "m1", RoomID: "r1"}), ErrMissingSender)
}

func TestNotificationRoomID(t *testing.T) {
	chat := Notification{Type: NotificationTypeChat, Metadata: NotificationMeta{RoomID: "r1"}}
	require.Equal(t, "r1", chat.RoomID())

	system := Notification{Type: NotificationTypeSystem, Metadata: NotificationMeta{RoomID: "r1"}}
	require.Empty(t, system.RoomID(), "room linkage only resolves on chat rows")

	bare := Notification{Type: NotificationTypeChat}
	require.Empty(t, bare.RoomID())
}

func TestNormalizeAttachments(t *testing.T) {
	require.Nil(t, NormalizeAttachments(nil))

	in := []Attachment{
		{Type: "image", URL: "https://x/a.png", Name: "a.png"},
		{Type: "", URL: "https://x/b.png", Name: "b.png"},
		{Type: "file", URL: "", Name: "c.pdf"},
		{Type: "file", URL: "https://x/d.pdf", Name: ""},
	}
	out := NormalizeAttachments(in)
	require.Len(t, out, 1)
	require.Equal(t, "a.png", out[0].Name)

	require.Empty(t, NormalizeAttachments([]Attachment{{}}))
	require.NotNil(t, NormalizeAttachments([]Attachment{{}}))
}
