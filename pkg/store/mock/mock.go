// Package mock provides an in-memory test double for [store.Store].
//
// The mock keeps real state (sessions, history) so tests can exercise
// reconnect and archive flows end to end, while still exposing *Err fields
// to force failures and call records for assertions.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/store"
)

// ArchiveCall records a single invocation of Store.Archive.
type ArchiveCall struct {
	SessionID string
	Summary   store.CostSummary
}

// Store is an in-memory implementation of store.Store.
// The zero value is ready to use.
type Store struct {
	mu sync.Mutex

	sessions map[string]store.SessionRecord
	history  map[string][]transcript.Utterance

	// CreateSessionErr, if non-nil, is returned from CreateSession.
	CreateSessionErr error
	// SessionErr, if non-nil, is returned from Session.
	SessionErr error
	// ActiveSessionIDErr, if non-nil, is returned from ActiveSessionID.
	ActiveSessionIDErr error
	// SetActivatedErr, if non-nil, is returned from SetActivated.
	SetActivatedErr error
	// AppendHistoryErr, if non-nil, is returned from AppendHistory.
	AppendHistoryErr error
	// HistoryErr, if non-nil, is returned from History.
	HistoryErr error
	// ArchiveErr, if non-nil, is returned from Archive.
	ArchiveErr error

	// ArchiveCalls records every call to Archive.
	ArchiveCalls []ArchiveCall
}

func (s *Store) init() {
	if s.sessions == nil {
		s.sessions = make(map[string]store.SessionRecord)
	}
	if s.history == nil {
		s.history = make(map[string][]transcript.Utterance)
	}
}

// CreateSession stores the record in memory.
func (s *Store) CreateSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateSessionErr != nil {
		return s.CreateSessionErr
	}
	s.init()
	s.sessions[rec.ID] = rec
	return nil
}

// Session returns the stored record or store.ErrNotFound.
func (s *Store) Session(_ context.Context, sessionID string) (store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SessionErr != nil {
		return store.SessionRecord{}, s.SessionErr
	}
	s.init()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ActiveSessionID returns the ID of the user's active session, or "".
func (s *Store) ActiveSessionID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ActiveSessionIDErr != nil {
		return "", s.ActiveSessionIDErr
	}
	s.init()
	for _, rec := range s.sessions {
		if rec.UserID == userID && rec.Active {
			return rec.ID, nil
		}
	}
	return "", nil
}

// SetActivated stamps the record's activation time. The first write wins.
func (s *Store) SetActivated(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetActivatedErr != nil {
		return s.SetActivatedErr
	}
	s.init()
	if rec, ok := s.sessions[sessionID]; ok && rec.ActivatedAt.IsZero() {
		rec.ActivatedAt = at
		s.sessions[sessionID] = rec
	}
	return nil
}

// FailAppendHistory sets (or clears, with nil) the error returned from
// AppendHistory. Safe to call while the store is in use by other
// goroutines.
func (s *Store) FailAppendHistory(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendHistoryErr = err
}

// AppendHistory appends the utterance to the in-memory history.
func (s *Store) AppendHistory(_ context.Context, sessionID string, u transcript.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendHistoryErr != nil {
		return s.AppendHistoryErr
	}
	s.init()
	s.history[sessionID] = append(s.history[sessionID], u)
	return nil
}

// History returns a copy of the stored history, oldest first.
func (s *Store) History(_ context.Context, sessionID string) ([]transcript.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	s.init()
	out := make([]transcript.Utterance, len(s.history[sessionID]))
	copy(out, s.history[sessionID])
	return out, nil
}

// Archive records the call and marks the session inactive.
func (s *Store) Archive(_ context.Context, sessionID string, summary store.CostSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArchiveErr != nil {
		return s.ArchiveErr
	}
	s.init()
	s.ArchiveCalls = append(s.ArchiveCalls, ArchiveCall{SessionID: sessionID, Summary: summary})
	if rec, ok := s.sessions[sessionID]; ok && rec.Active {
		rec.Active = false
		s.sessions[sessionID] = rec
	}
	return nil
}

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)
