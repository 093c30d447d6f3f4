// Package billing defines the credit ledger interface. Accounts hold a
// credit balance and a plan tier; live sessions debit the balance once per
// minute and terminate when it runs out.
package billing

import (
	"context"
	"errors"
)

// ErrInsufficientCredits is returned by Debit when the account balance is
// lower than the requested amount.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// ErrNoAccount is returned when the user has no ledger account.
var ErrNoAccount = errors.New("billing: account not found")

// Tier is an account's plan tier. It determines session duration limits
// and whether debits apply at all.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
	TierAdmin Tier = "admin"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPaid, TierAdmin:
		return true
	}
	return false
}

// Account is a user's ledger state.
type Account struct {
	UserID  string
	Tier    Tier
	Balance int64
}

// Ledger is the credit accounting backend.
//
// Implementations must be safe for concurrent use. Debit must be atomic:
// two concurrent debits against the same account never overdraw it.
type Ledger interface {
	// Account returns the ledger state for the given user.
	// Returns [ErrNoAccount] if the user has no account.
	Account(ctx context.Context, userID string) (Account, error)

	// Debit atomically subtracts amount credits from the user's balance
	// and returns the remaining balance. Returns [ErrInsufficientCredits]
	// without changing the balance when it would go negative.
	// A zero amount is a no-op that still returns the current balance.
	Debit(ctx context.Context, userID string, amount int64) (int64, error)

	// RecordTransaction appends a durable transaction attributing a
	// balance change to a session. Consumption is recorded as a negative
	// amount. It does not move the balance; the per-minute debits already
	// did.
	RecordTransaction(ctx context.Context, userID, sessionID string, amount int64) error
}
