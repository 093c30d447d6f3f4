// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store]. Session records and conversation history live in two
// tables sharing a single [pgxpool.Pool] connection pool; [Migrate]
// creates both on startup.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    kind        TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT 'en-US',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    activated_at TIMESTAMPTZ,
    active      BOOLEAN      NOT NULL DEFAULT TRUE,
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT         NOT NULL DEFAULT '',
    credits     BIGINT       NOT NULL DEFAULT 0,
    debits      INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_active
    ON sessions (user_id) WHERE active;
`

const ddlHistory = `
CREATE TABLE IF NOT EXISTS session_history (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL REFERENCES sessions (id),
    speaker        TEXT         NOT NULL,
    text           TEXT         NOT NULL,
    correlation_id TEXT         NOT NULL DEFAULT '',
    timestamp      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_history_session_id
    ON session_history (session_id);

CREATE INDEX IF NOT EXISTS idx_session_history_session_timestamp
    ON session_history (session_id, timestamp);
`

// Migrate ensures all required tables and indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlHistory} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
