package models

import (
	"time"
)

// NotificationType categorizes notifications into delivery channels.
type NotificationType string

const (
	NotificationTypeChat   NotificationType = "chat"
	NotificationTypeSystem NotificationType = "system"
)

// NotificationMeta carries the optional chat linkage of a notification.
type NotificationMeta struct {
	// RoomID links a chat notification to its conversation.
	RoomID string `json:"room_id,omitempty"`

	// MessageID links a chat notification to the triggering message.
	MessageID string `json:"message_id,omitempty"`
}

// Notification is one entry in a user's notification feed.
//
// Rows are created by the backend on a triggering business event and are
// immutable except for IsRead, which flips locally (optimistic) and
// remotely (confirmed) when the user marks it read.
type Notification struct {
	// ID is the globally unique identifier, stable across pull and push
	// delivery of the same logical event.
	ID string `json:"id"`

	// UserID is the recipient.
	UserID string `json:"user_id"`

	// Type is the delivery channel (chat or system).
	Type NotificationType `json:"type"`

	// Title is the short headline.
	Title string `json:"title"`

	// Content is the body text.
	Content string `json:"content"`

	// Link is an optional in-app URL opened when the user clicks through.
	Link string `json:"link,omitempty"`

	// Metadata carries the chat linkage for chat-type notifications.
	Metadata NotificationMeta `json:"metadata"`

	// IsRead reports whether the user has seen the notification.
	IsRead bool `json:"is_read"`

	// CreatedAt is the backend commit time.
	CreatedAt time.Time `json:"created_at"`
}

// IsChat reports whether the notification belongs to the chat channel.
func (n Notification) IsChat() bool {
	return n.Type == NotificationTypeChat
}

// RoomID returns the resolvable conversation id of a chat notification,
// or "" when the notification is not chat-typed or carries no room.
func (n Notification) RoomID() string {
	if !n.IsChat() {
		return ""
	}
	return n.Metadata.RoomID
}
