package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed session store. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate] to ensure the schema
// exists.
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
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Ping verifies connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	const q = `
		INSERT INTO sessions (id, user_id, kind, language, started_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.UserID,
		rec.Kind,
		rec.Language,
		rec.StartedAt,
		rec.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// Session implements [store.Store].
func (s *Store) Session(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	const q = `
		SELECT id, user_id, kind, language, started_at, activated_at, active
		FROM   sessions
		WHERE  id = $1`

	var (
		rec         store.SessionRecord
		activatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Kind,
		&rec.Language,
		&rec.StartedAt,
		&activatedAt,
		&rec.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	if activatedAt != nil {
		rec.ActivatedAt = *activatedAt
	}
	return rec, nil
}

// SetActivated implements [store.Store]. The first write wins; subsequent
// calls leave the stored timestamp untouched.
func (s *Store) SetActivated(ctx context.Context, sessionID string, at time.Time) error {
	const q = `
		UPDATE sessions
		SET    activated_at = $2
		WHERE  id = $1 AND activated_at IS NULL`

	_, err := s.pool.Exec(ctx, q, sessionID, at)
	if err != nil {
		return fmt.Errorf("postgres store: set activated: %w", err)
	}
	return nil
}

// ActiveSessionID implements [store.Store]. Returns "" when the user has
// no active session.
func (s *Store) ActiveSessionID(ctx context.Context, userID string) (string, error) {
	const q = `
		SELECT id
		FROM   sessions
		WHERE  user_id = $1 AND active
		ORDER  BY started_at DESC
		LIMIT  1`

	var id string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: active session: %w", err)
	}
	return id, nil
}

// AppendHistory implements [store.Store].
func (s *Store) AppendHistory(ctx context.Context, sessionID string, u transcript.Utterance) error {
	const q = `
		INSERT INTO session_history (session_id, speaker, text, correlation_id, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		string(u.Speaker),
		u.Text,
		u.CorrelationID,
		u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append history: %w", err)
	}
	return nil
}

// History implements [store.Store]. Entries are returned oldest first.
func (s *Store) History(ctx context.Context, sessionID string) ([]transcript.Utterance, error) {
	const q = `
		SELECT speaker, text, correlation_id, timestamp
		FROM   session_history
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Utterance, error) {
		var (
			u       transcript.Utterance
			speaker string
		)
		if err := row.Scan(&speaker, &u.Text, &u.CorrelationID, &u.Timestamp); err != nil {
			return transcript.Utterance{}, err
		}
		u.Speaker = transcript.Speaker(speaker)
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: history scan: %w", err)
	}
	return entries, nil
}

// Archive implements [store.Store]. Archiving a session that is already
// inactive leaves it untouched.
func (s *Store) Archive(ctx context.Context, sessionID string, summary store.CostSummary) error {
	const q = `
		UPDATE sessions
		SET    active = FALSE,
		       ended_at = $2,
		       end_reason = $3,
		       credits = $4,
		       debits = $5
		WHERE  id = $1 AND active`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		summary.EndedAt,
		summary.EndReason,
		summary.Credits,
		summary.Debits,
	)
	if err != nil {
		return fmt.Errorf("postgres store: archive: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
