// Package mock provides an in-memory test double for [billing.Ledger].
//
// The mock keeps a real balance per account so debit sequences behave like
// the production ledger, and records every debit for assertions.
package mock

import (
	"context"
	"sync"

	"github.com/intervox-ai/intervox/pkg/billing"
)

// DebitCall records a single invocation of Ledger.Debit.
type DebitCall struct {
	UserID string
	Amount int64
}

// Ledger is an in-memory implementation of billing.Ledger.
// The zero value is ready to use; seed accounts with SetAccount.
type Ledger struct {
	mu sync.Mutex

	accounts map[string]billing.Account

	// AccountErr, if non-nil, is returned from Account.
	AccountErr error
	// DebitErr, if non-nil, is returned from Debit.
	DebitErr error

	// DebitCalls records every call to Debit.
	DebitCalls []DebitCall

	// RecordErr, if non-nil, is returned from RecordTransaction.
	RecordErr error

	// Transactions records every call to RecordTransaction.
	Transactions []Transaction
}

// Transaction records a single invocation of Ledger.RecordTransaction.
type Transaction struct {
	UserID    string
	SessionID string
	Amount    int64
}

// SetAccount seeds or replaces an account.
func (l *Ledger) SetAccount(acc billing.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accounts == nil {
		l.accounts = make(map[string]billing.Account)
	}
	l.accounts[acc.UserID] = acc
}

// Account returns the seeded account or billing.ErrNoAccount.
func (l *Ledger) Account(_ context.Context, userID string) (billing.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AccountErr != nil {
		return billing.Account{}, l.AccountErr
	}
	acc, ok := l.accounts[userID]
	if !ok {
		return billing.Account{}, billing.ErrNoAccount
	}
	return acc, nil
}

// Debit records the call and subtracts the amount from the seeded balance.
func (l *Ledger) Debit(_ context.Context, userID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.DebitCalls = append(l.DebitCalls, DebitCall{UserID: userID, Amount: amount})
	if l.DebitErr != nil {
		return 0, l.DebitErr
	}
	acc, ok := l.accounts[userID]
	if !ok {
		return 0, billing.ErrNoAccount
	}
	if acc.Balance < amount {
		return 0, billing.ErrInsufficientCredits
	}
	acc.Balance -= amount
	l.accounts[userID] = acc
	return acc.Balance, nil
}

// RecordTransaction records the call.
func (l *Ledger) RecordTransaction(_ context.Context, userID, sessionID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RecordErr != nil {
		return l.RecordErr
	}
	l.Transactions = append(l.Transactions, Transaction{
		UserID:    userID,
		SessionID: sessionID,
		Amount:    amount,
	})
	return nil
}

// Balance returns the current balance for userID, or 0 when unknown.
func (l *Ledger) Balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[userID].Balance
}

// Ensure Ledger implements billing.Ledger at compile time.
var _ billing.Ledger = (*Ledger)(nil)
