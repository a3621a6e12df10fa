// Package cache persists feed and message snapshots in a local SQLite
// file so a restarted client renders stale-but-present data before its
// first pull completes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/systemflow/flowsync/internal/models"
)

// Store is the snapshot cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to snapshot database: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS notification_snapshots (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_snapshots (
			room_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize snapshot schema: %w", err)
		}
	}
	return nil
}

// SaveNotifications replaces the cached feed for a user.
func (s *Store) SaveNotifications(userID string, rows []models.Notification) error {
	return s.save(`INSERT INTO notification_snapshots (user_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		userID, rows)
}

// LoadNotifications returns the cached feed for a user, or nil when no
// snapshot exists.
func (s *Store) LoadNotifications(userID string) ([]models.Notification, error) {
	var rows []models.Notification
	if err := s.load(`SELECT payload FROM notification_snapshots WHERE user_id = ?`, userID, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveMessages replaces the cached message list for a room.
func (s *Store) SaveMessages(roomID string, rows []models.ChatMessage) error {
	return s.save(`INSERT INTO message_snapshots (room_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		roomID, rows)
}

// LoadMessages returns the cached message list for a room, or nil when no
// snapshot exists.
func (s *Store) LoadMessages(roomID string) ([]models.ChatMessage, error) {
	var rows []models.ChatMessage
	if err := s.load(`SELECT payload FROM message_snapshots WHERE room_id = ?`, roomID, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) save(query, key string, rows any) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	savedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(query, key, string(payload), savedAt); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Store) load(query, key string, out any) error {
	var payload string
	err := s.db.QueryRow(query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
