package models

import (
	"time"
)

// Profile is the sender projection joined onto messages.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Attachment is a file attached to a chat message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Receipt is one recipient's delivery/read state for a message, keyed by
// (message id, user id). Each timestamp is independently monotonic: once
// set it is only ever overwritten by a non-nil value.
type Receipt struct {
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// ChatMessage is one message in a conversation.
type ChatMessage struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`

	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`

	// Receipts holds per-recipient delivery/read state. It is enriched
	// locally and may be absent on wire projections.
	Receipts []Receipt `json:"receipts,omitempty"`

	// Sender is the joined profile projection; absent on bare row events.
	Sender *Profile `json:"sender,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message was soft-deleted.
func (m ChatMessage) Deleted() bool {
	return m.DeletedAt != nil
}

// RoomType distinguishes conversation kinds.
type RoomType string

const (
	RoomTypeDirect RoomType = "direct"
	RoomTypeGroup  RoomType = "group"
	RoomTypeDeal   RoomType = "crm_deal"
)

// ChatRoom is the conversation-list projection of a room.
type ChatRoom struct {
	ID            string       `json:"id"`
	Type          RoomType     `json:"type"`
	Name          string       `json:"name,omitempty"`
	LastMessageAt time.Time    `json:"last_message_at"`
	LastMessage   *ChatMessage `json:"last_message,omitempty"`
}
