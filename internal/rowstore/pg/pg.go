// Package pg implements the row-store contract against Postgres: pull
// queries and mutations over database/sql, and push subscriptions over
// LISTEN/NOTIFY with row images in the notify payload.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/rowstore"
)

// Store is a Postgres-backed row store.
type Store struct {
	db  *sql.DB
	dsn string
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, dsn: dsn}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const notificationColumns = `id, user_id, type, COALESCE(title, ''), COALESCE(content, ''), COALESCE(link, ''), COALESCE(metadata, '{}'::jsonb), is_read, created_at`

// RecentNotifications implements rowstore.Querier.
func (s *Store) RecentNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// UnreadChatNotifications implements rowstore.Querier.
func (s *Store) UnreadChatNotifications(ctx context.Context, userID string, offset, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1 AND type = 'chat' AND NOT is_read
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query unread notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Content, &n.Link, &meta, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode notification metadata: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Messages implements rowstore.Querier. Sender profiles are joined onto
// each row and receipts fetched in one follow-up query.
func (s *Store) Messages(ctx context.Context, roomID string, q rowstore.MessageQuery) ([]models.ChatMessage, error) {
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	query := `
		SELECT m.id, m.room_id, m.sender_id, COALESCE(m.content, ''),
		       COALESCE(m.attachments, '[]'::jsonb), COALESCE(m.reply_to_id::text, ''),
		       m.created_at, m.edited_at, m.deleted_at,
		       p.id, COALESCE(p.name, ''), COALESCE(p.avatar_url, '')
		FROM chat_messages m
		LEFT JOIN profiles p ON p.id = m.sender_id
		WHERE m.room_id = $1`
	args := []any{roomID}
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		query += fmt.Sprintf(" AND m.created_at < $%d", len(args))
	}
	query += " ORDER BY m.created_at " + order
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	var ids []string
	for rows.Next() {
		var m models.ChatMessage
		var attachments []byte
		var senderID, senderName, senderAvatar sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content,
			&attachments, &m.ReplyToID, &m.CreatedAt, &m.EditedAt, &m.DeletedAt,
			&senderID, &senderName, &senderAvatar); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		m.Attachments = models.NormalizeAttachments(m.Attachments)
		if senderID.Valid {
			m.Sender = &models.Profile{ID: senderID.String, Name: senderName.String, AvatarURL: senderAvatar.String}
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	receipts, err := s.receiptsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Receipts = receipts[msgs[i].ID]
	}
	return msgs, nil
}

func (s *Store) receiptsFor(ctx context.Context, messageIDs []string) (map[string][]models.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, delivered_at, read_at
		FROM chat_receipts
		WHERE message_id = ANY($1)`, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Receipt)
	for rows.Next() {
		var messageID string
		var r models.Receipt
		if err := rows.Scan(&messageID, &r.UserID, &r.DeliveredAt, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out[messageID] = append(out[messageID], r)
	}
	return out, rows.Err()
}

// Rooms implements rowstore.Querier.
func (s *Store) Rooms(ctx context.Context, userID string) ([]models.ChatRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.type, COALESCE(r.name, ''), COALESCE(r.last_message_at, r.created_at)
		FROM chat_rooms r
		JOIN chat_room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY 4 DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []models.ChatRoom
	for rows.Next() {
		var r models.ChatRoom
		if err := rows.Scan(&r.ID, &r.Type, &r.Name, &r.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkNotificationRead implements rowstore.Mutator.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2 AND NOT is_read`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead implements rowstore.Mutator.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// MarkRoomNotificationsRead implements rowstore.Mutator. The room linkage
// lives in the metadata document, so the predicate is a jsonb containment
// check.
func (s *Store) MarkRoomNotificationsRead(ctx context.Context, userID, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE user_id = $1 AND type = 'chat' AND NOT is_read
		  AND metadata @> jsonb_build_object('room_id', $2::text)`, userID, roomID)
	if err != nil {
		return fmt.Errorf("mark room notifications read: %w", err)
	}
	return nil
}

// InsertMessage implements rowstore.Mutator.
func (s *Store) InsertMessage(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	attachments, err := json.Marshal(models.NormalizeAttachments(msg.Attachments))
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("encode attachments: %w", err)
	}
	var replyTo sql.NullString
	if msg.ReplyToID != "" {
		replyTo = sql.NullString{String: msg.ReplyToID, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, content, attachments, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, attachments, replyTo)
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MarkMessageDelivered implements rowstore.Mutator. The delivered
// timestamp is write-once; a replayed ack never moves it.
func (s *Store) MarkMessageDelivered(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_receipts (message_id, user_id, delivered_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET delivered_at = COALESCE(chat_receipts.delivered_at, EXCLUDED.delivered_at)`,
		messageID, userID)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	return nil
}

// MarkRoomMessagesRead implements rowstore.Mutator: one bulk upsert of
// read receipts across the room, skipping the reader's own messages.
func (s *Store) MarkRoomMessagesRead(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_receipts (message_id, user_id, delivered_at, read_at)
		SELECT m.id, $2, now(), now()
		FROM chat_messages m
		WHERE m.room_id = $1 AND m.sender_id <> $2
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET
			delivered_at = COALESCE(chat_receipts.delivered_at, EXCLUDED.delivered_at),
			read_at = COALESCE(chat_receipts.read_at, EXCLUDED.read_at)`,
		roomID, userID)
	if err != nil {
		return fmt.Errorf("mark room messages read: %w", err)
	}
	return nil
}
