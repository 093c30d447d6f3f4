// Package store defines the persistence interface for interview sessions:
// the durable record of each session, its committed conversation history,
// and the archived outcome written when a session ends.
//
// The in-memory session engine is the source of truth while a session is
// live; the store is its write-behind journal and the authority consulted
// on client reconnect to detect state drift.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/intervox-ai/intervox/internal/transcript"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("store: session not found")

// SessionRecord is the durable description of an interview session.
type SessionRecord struct {
	// ID uniquely identifies the session.
	ID string

	// UserID is the account that owns the session.
	UserID string

	// Kind is the session type name (e.g. "general", "coding",
	// "coding_and_coach", "mock", "coach").
	Kind string

	// Language is the BCP-47 recognition language for the session.
	Language string

	// StartedAt is when the session was created.
	StartedAt time.Time

	// ActivatedAt is when the first answer made the session billable.
	// Zero while the session has never produced an answer.
	ActivatedAt time.Time

	// Active reports whether the session is still live. At most one
	// active session exists per user.
	Active bool
}

// CostSummary is the billing outcome archived when a session ends.
type CostSummary struct {
	// Credits is the total number of credits debited over the session.
	Credits int64

	// Debits is the number of per-minute debit cycles that ran.
	Debits int

	// EndReason describes why the session ended ("client", "expired",
	// "credits_exhausted", "shutdown").
	EndReason string

	// EndedAt is when the session was archived.
	EndedAt time.Time
}

// Store persists session records and conversation history.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession inserts a new active session record.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// Session returns the record for the given session ID.
	// Returns [ErrNotFound] if no such session exists.
	Session(ctx context.Context, sessionID string) (SessionRecord, error)

	// ActiveSessionID returns the ID of the user's active session, or ""
	// when the user has none.
	ActiveSessionID(ctx context.Context, userID string) (string, error)

	// SetActivated records when the session first became billable. Once
	// set the timestamp is immutable; later calls are no-ops.
	SetActivated(ctx context.Context, sessionID string, at time.Time) error

	// AppendHistory durably appends a committed utterance to the session's
	// conversation history.
	AppendHistory(ctx context.Context, sessionID string, u transcript.Utterance) error

	// History returns a session's committed history, oldest first.
	History(ctx context.Context, sessionID string) ([]transcript.Utterance, error)

	// Archive marks the session inactive and records its cost summary.
	// Archiving an already archived session is a no-op.
	Archive(ctx context.Context, sessionID string, summary CostSummary) error
}
