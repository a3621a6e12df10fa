package chat

import (
	"time"

	"github.com/systemflow/flowsync/internal/models"
)

// ReceiptUpdate is one receipt observation from the push feed.
type ReceiptUpdate struct {
	MessageID string
	RoomID    string
	Receipt   models.Receipt
}

// MergeReceipt merges one receipt observation into a message's receipt
// list, keyed by user id. Each timestamp field is independently
// monotonic: a nil incoming field never clears a previously known value,
// and a non-nil one overwrites. Returns the merged list and whether
// anything changed. The input slice is never written to, so snapshots
// handed to other goroutines stay stable.
func MergeReceipt(receipts []models.Receipt, in models.Receipt) ([]models.Receipt, bool) {
	for i := range receipts {
		if receipts[i].UserID != in.UserID {
			continue
		}
		merged := receipts[i]
		changed := false
		if in.DeliveredAt != nil && !equalTime(merged.DeliveredAt, in.DeliveredAt) {
			merged.DeliveredAt = in.DeliveredAt
			changed = true
		}
		if in.ReadAt != nil && !equalTime(merged.ReadAt, in.ReadAt) {
			merged.ReadAt = in.ReadAt
			changed = true
		}
		if !changed {
			return receipts, false
		}
		out := append([]models.Receipt(nil), receipts...)
		out[i] = merged
		return out, true
	}
	out := make([]models.Receipt, 0, len(receipts)+1)
	out = append(out, receipts...)
	return append(out, in), true
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
