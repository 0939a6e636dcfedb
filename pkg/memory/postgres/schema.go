// Package postgres provides a PostgreSQL-backed [memory.SessionStore] using
// a pgx connection pool.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS kiosk_sessions (
    id          TEXT         PRIMARY KEY,
    voice_id    TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS kiosk_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES kiosk_sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_kiosk_messages_session
    ON kiosk_messages (session_id, id);
`

// Migrate creates the tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
