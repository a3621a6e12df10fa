package models

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrMissingID     = errors.New("id is required")
	ErrMissingUser   = errors.New("user_id is required")
	ErrMissingRoom   = errors.New("room_id is required")
	ErrMissingSender = errors.New("sender_id is required")
	ErrInvalidType   = errors.New("invalid notification type")
)

// ValidateNotification checks the fields a notification must carry before
// it may enter a store. Rows failing validation are dropped by callers
// rather than merged.
func ValidateNotification(n Notification) error {
	if n.ID == "" {
		return ErrMissingID
	}
	if n.UserID == "" {
		return ErrMissingUser
	}
	switch n.Type {
	case NotificationTypeChat, NotificationTypeSystem:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, n.Type)
	}
	return nil
}

// ValidateMessage checks the fields a chat message must carry.
func ValidateMessage(m ChatMessage) error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.RoomID == "" {
		return ErrMissingRoom
	}
	if m.SenderID == "" {
		return ErrMissingSender
	}
	return nil
}

// ValidateReceipt checks the fields a receipt observation must carry.
func ValidateReceipt(r Receipt) error {
	if r.UserID == "" {
		return ErrMissingUser
	}
	return nil
}

// NormalizeAttachments drops attachment entries missing any of the
// required type/url/name fields. A nil input stays nil; an input with only
// invalid entries normalizes to an empty slice.
func NormalizeAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.Type == "" || a.URL == "" || a.Name == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}
