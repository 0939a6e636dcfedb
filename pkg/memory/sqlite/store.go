// Package sqlite provides a [memory.SessionStore] in a single SQLite file,
// for kiosks that run without a database server. It uses the pure-Go
// modernc.org/sqlite driver, so no cgo is required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voxbooth/pkg/memory"
)

var _ memory.SessionStore = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS kiosk_sessions (
    id          TEXT     PRIMARY KEY,
    voice_id    TEXT     NOT NULL DEFAULT '',
    created_at  INTEGER  NOT NULL,
    updated_at  INTEGER  NOT NULL
);
CREATE TABLE IF NOT EXISTS kiosk_messages (
    id          INTEGER  PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT     NOT NULL REFERENCES kiosk_sessions (id) ON DELETE CASCADE,
    role        TEXT     NOT NULL,
    content     TEXT     NOT NULL,
    created_at  INTEGER  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kiosk_messages_session ON kiosk_messages (session_id, id);
`

// Store is a SQLite-backed session store. Times are stored as Unix
// milliseconds.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

func (s *Store) now() int64 { return s.clock().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(ctx context.Context, id string) (memory.Session, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kiosk_sessions (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		id, now, now)
	if err != nil {
		return memory.Session{}, fmt.Errorf("sqlite store: create session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.Session{}, memory.ErrDuplicateID
	}
	return memory.Session{ID: id, CreatedAt: fromMillis(now), UpdatedAt: fromMillis(now)}, nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (memory.Session, error) {
	var (
		sess             memory.Session
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, voice_id, created_at, updated_at FROM kiosk_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.VoiceID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Session{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Session{}, fmt.Errorf("sqlite store: get session: %w", err)
	}
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	return sess, nil
}

// SetVoice implements [memory.SessionStore].
func (s *Store) SetVoice(ctx context.Context, id, voiceID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kiosk_sessions SET voice_id = ?, updated_at = ? WHERE id = ?`, voiceID, s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlite store: set voice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// AppendMessage implements [memory.SessionStore].
func (s *Store) AppendMessage(ctx context.Context, msg memory.Message) error {
	created := s.now()
	if !msg.CreatedAt.IsZero() {
		created = msg.CreatedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_messages (session_id, role, content, created_at)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM kiosk_sessions WHERE id = ?)`,
		msg.SessionID, msg.Role, msg.Content, created, msg.SessionID)
	if err != nil {
		return fmt.Errorf("sqlite store: append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// RecentMessages implements [memory.SessionStore].
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at FROM (
		    SELECT id, session_id, role, content, created_at
		    FROM   kiosk_messages
		    WHERE  session_id = ?
		    ORDER  BY id DESC
		    LIMIT  ?
		)
		ORDER BY id`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []memory.Message
	for rows.Next() {
		var (
			m       memory.Message
			created int64
		)
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: recent messages: %w", err)
	}
	return msgs, nil
}

// Ping implements [memory.SessionStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [memory.SessionStore].
func (s *Store) Close() error {
	return s.db.Close()
}
