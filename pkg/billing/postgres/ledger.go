// Package postgres provides a PostgreSQL-backed implementation of
// [billing.Ledger]. Debits are single atomic UPDATE statements guarded by
// a balance check, so concurrent sessions can never overdraw an account.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intervox-ai/intervox/pkg/billing"
)

const ddlAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id  TEXT    PRIMARY KEY,
    tier     TEXT    NOT NULL DEFAULT 'free',
    balance  BIGINT  NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    amount      BIGINT       NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id);
`

// Compile-time interface check.
var _ billing.Ledger = (*Ledger)(nil)

// Ledger is the PostgreSQL-backed credit ledger. All operations are safe
// for concurrent use.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new Ledger against the PostgreSQL database at dsn
// and ensures the accounts table exists.
func NewLedger(ctx context.Context, dsn string) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres ledger: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres ledger: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ledger: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlAccounts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ledger: migrate: %w", err)
	}

	return &Ledger{pool: pool}, nil
}

// Ping verifies connectivity to the database.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ledger: ping: %w", err)
	}
	return nil
}

// Account implements [billing.Ledger].
func (l *Ledger) Account(ctx context.Context, userID string) (billing.Account, error) {
	const q = `
		SELECT user_id, tier, balance
		FROM   accounts
		WHERE  user_id = $1`

	var acc billing.Account
	var tier string
	err := l.pool.QueryRow(ctx, q, userID).Scan(&acc.UserID, &tier, &acc.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Account{}, billing.ErrNoAccount
	}
	if err != nil {
		return billing.Account{}, fmt.Errorf("postgres ledger: get account: %w", err)
	}
	acc.Tier = billing.Tier(tier)
	return acc, nil
}

// Debit implements [billing.Ledger]. The balance check and the subtraction
// happen in one statement; a debit that would overdraw matches no row and
// is reported as [billing.ErrInsufficientCredits].
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("postgres ledger: negative debit amount %d", amount)
	}

	const q = `
		UPDATE accounts
		SET    balance = balance - $2
		WHERE  user_id = $1 AND balance >= $2
		RETURNING balance`

	var remaining int64
	err := l.pool.QueryRow(ctx, q, userID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account is missing or the balance is too low.
		if _, accErr := l.Account(ctx, userID); accErr != nil {
			return 0, accErr
		}
		return 0, billing.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("postgres ledger: debit: %w", err)
	}
	return remaining, nil
}

// RecordTransaction implements [billing.Ledger].
func (l *Ledger) RecordTransaction(ctx context.Context, userID, sessionID string, amount int64) error {
	const q = `
		INSERT INTO transactions (user_id, session_id, amount)
		VALUES ($1, $2, $3)`

	if _, err := l.pool.Exec(ctx, q, userID, sessionID, amount); err != nil {
		return fmt.Errorf("postgres ledger: record transaction: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}
