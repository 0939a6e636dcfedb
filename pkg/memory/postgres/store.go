package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxbooth/pkg/memory"
)

var _ memory.SessionStore = (*Store)(nil)

// pgUniqueViolation and pgForeignKeyViolation are PostgreSQL SQLSTATE codes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is a [memory.SessionStore] on a single [pgxpool.Pool].
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(ctx context.Context, id string) (memory.Session, error) {
	const q = `
		INSERT INTO kiosk_sessions (id) VALUES ($1)
		RETURNING id, voice_id, created_at, updated_at`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return memory.Session{}, memory.ErrDuplicateID
		}
		return memory.Session{}, fmt.Errorf("postgres store: create session: %w", err)
	}
	return sess, nil
}

// GetSession implements [memory.SessionStore].
func (s *Store) GetSession(ctx context.Context, id string) (memory.Session, error) {
	const q = `SELECT id, voice_id, created_at, updated_at FROM kiosk_sessions WHERE id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Session{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// SetVoice implements [memory.SessionStore].
func (s *Store) SetVoice(ctx context.Context, id, voiceID string) error {
	const q = `UPDATE kiosk_sessions SET voice_id = $2, updated_at = now() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, voiceID)
	if err != nil {
		return fmt.Errorf("postgres store: set voice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// AppendMessage implements [memory.SessionStore].
func (s *Store) AppendMessage(ctx context.Context, msg memory.Message) error {
	const q = `
		INSERT INTO kiosk_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, q, msg.SessionID, msg.Role, msg.Content, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return memory.ErrNotFound
		}
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	return nil
}

// RecentMessages implements [memory.SessionStore].
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	const q = `
		SELECT session_id, role, content, created_at FROM (
		    SELECT id, session_id, role, content, created_at
		    FROM   kiosk_messages
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) recent
		ORDER BY id`

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var m memory.Message
		err := row.Scan(&m.SessionID, &m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	return msgs, nil
}

// Ping implements [memory.SessionStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [memory.SessionStore].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (memory.Session, error) {
	var sess memory.Session
	err := row.Scan(&sess.ID, &sess.VoiceID, &sess.CreatedAt, &sess.UpdatedAt)
	return sess, err
}
