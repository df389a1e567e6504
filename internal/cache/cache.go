// Package cache keeps normalized messages in a local sqlite database so a
// resumed or repeated run can skip refetching full message bodies from the
// API.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	gc "github.com/c4pt0r/gmailtail/internal/gmail"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    cached_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_cached_at ON messages(cached_at);
`

// Store is a sqlite-backed message cache keyed by Gmail message id.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the cache database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	logger.Debug("message cache ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Get returns the cached message for id, or ok=false on a miss. Decode
// failures are treated as misses so a stale cache never blocks tailing.
func (s *Store) Get(ctx context.Context, id gc.MessageID) (gc.Message, bool) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM messages WHERE id = ?`, string(id)).Scan(&payload)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("cache read failed", "id", id, "error", err)
		}
		return gc.Message{}, false
	}
	var m gc.Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		s.logger.Warn("cache entry undecodable, ignoring", "id", id, "error", err)
		return gc.Message{}, false
	}
	return m, true
}

// Put stores a normalized message, replacing any previous entry.
func (s *Store) Put(ctx context.Context, m gc.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, payload, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
		string(m.ID), string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache message %s: %w", m.ID, err)
	}
	return nil
}

// Clear drops all cached messages.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
