package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common LLM tokenizers;
// this avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// ErrEmptyHistory is returned by [Memory.Last] when no human utterance has
// been committed yet. Callers must substitute a canned greeting.
var ErrEmptyHistory = errors.New("transcript: empty history")

// Memory holds the ordered dual-speaker transcript for one session, a bounded
// short-term buffer with a compressible long-term summary, and the
// level-triggered signals that tell the response workers an answer is due.
//
// Memory is owned by exactly one session but its commit path (assembler) and
// prune path (response workers) race, so all state is guarded internally.
type Memory struct {
	minWords     int
	minRunes     int
	logographic  bool
	tokenLimit   int
	recentWindow int
	summariser   Summariser

	mu sync.Mutex
	// logs holds committed utterances in arrival order per speaker.
	logs map[Speaker][]Utterance
	// shortTerm is the verbatim buffer of recent human utterances.
	shortTerm []Utterance
	// summary is the long-term rolling summary of pruned content.
	summary string
	// outbound is the at-least-once history queue drained by the session's
	// history worker.
	outbound []Utterance
	paused   bool

	// Single-slot trigger channels, one per human speaker role.
	interviewerTrigger chan struct{}
	intervieweeTrigger chan struct{}

	pruning atomic.Bool
}

// MemoryConfig configures a [Memory].
type MemoryConfig struct {
	// MinWords is the minimum word count for a space-delimited-language
	// utterance to set a trigger. Defaults to 3 if zero.
	MinWords int

	// MinRunes is the minimum rune count for a logographic-language
	// utterance to set a trigger. Defaults to 3 if zero.
	MinRunes int

	// Logographic selects rune counting instead of word counting for the
	// trigger filter (Chinese, Japanese, Korean).
	Logographic bool

	// TokenLimit is the estimated-token ceiling for the short-term buffer.
	// Defaults to 16000 if zero.
	TokenLimit int

	// RecentWindow caps the number of utterances returned by
	// [Memory.RecentBlock]. Defaults to 10 if zero.
	RecentWindow int

	// Summariser folds pruned content into the long-term summary.
	// May be nil, in which case pruned content is dropped.
	Summariser Summariser
}

// NewMemory creates a [Memory] with the given configuration.
func NewMemory(cfg MemoryConfig) *Memory {
	minWords := cfg.MinWords
	if minWords <= 0 {
		minWords = 3
	}
	minRunes := cfg.MinRunes
	if minRunes <= 0 {
		minRunes = 3
	}
	tokenLimit := cfg.TokenLimit
	if tokenLimit <= 0 {
		tokenLimit = 16000
	}
	window := cfg.RecentWindow
	if window <= 0 {
		window = 10
	}
	return &Memory{
		minWords:           minWords,
		minRunes:           minRunes,
		logographic:        cfg.Logographic,
		tokenLimit:         tokenLimit,
		recentWindow:       window,
		summariser:         cfg.Summariser,
		logs:               make(map[Speaker][]Utterance),
		interviewerTrigger: make(chan struct{}, 1),
		intervieweeTrigger: make(chan struct{}, 1),
	}
}

// Commit appends an utterance to the per-speaker log and the outbound
// history queue. For human speakers it also feeds the short-term buffer and,
// when the session is not paused and the text passes the minimum-content
// filter, sets that speaker's trigger.
//
// A missing correlation ID is assigned here; committed utterances are
// immutable afterwards.
func (m *Memory) Commit(u Utterance) Utterance {
	if u.CorrelationID == "" {
		u.CorrelationID = uuid.NewString()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.logs[u.Speaker] = append(m.logs[u.Speaker], u)
	m.outbound = append(m.outbound, u)
	trigger := (chan struct{})(nil)
	if u.Speaker.IsHuman() {
		m.shortTerm = append(m.shortTerm, u)
		if !m.paused && m.passesLengthFilter(u.Text) {
			switch u.Speaker {
			case SpeakerInterviewer:
				trigger = m.interviewerTrigger
			case SpeakerInterviewee:
				trigger = m.intervieweeTrigger
			}
		}
	}
	m.mu.Unlock()

	if trigger != nil {
		// Single-slot, send-if-absent: a pending trigger already covers
		// this utterance because the worker re-reads the latest window.
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
	return u
}

// Trigger returns the single-slot trigger channel for the given human
// speaker. Receiving from the channel consumes the pending trigger.
// Returns nil for non-human speakers.
func (m *Memory) Trigger(speaker Speaker) <-chan struct{} {
	switch speaker {
	case SpeakerInterviewer:
		return m.interviewerTrigger
	case SpeakerInterviewee:
		return m.intervieweeTrigger
	}
	return nil
}

// Last returns the most recent human utterance by timestamp across both
// speakers. Returns [ErrEmptyHistory] when neither speaker has spoken.
func (m *Memory) Last() (Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last Utterance
	found := false
	for _, sp := range []Speaker{SpeakerInterviewer, SpeakerInterviewee} {
		if log := m.logs[sp]; len(log) > 0 {
			u := log[len(log)-1]
			if !found || u.Timestamp.After(last.Timestamp) {
				last = u
				found = true
			}
		}
	}
	if !found {
		return Utterance{}, ErrEmptyHistory
	}
	return last, nil
}

// RecentBlock returns up to n of the most recent utterances merged across
// speakers by timestamp, formatted oldest-first with speaker and timestamp
// tags, plus the correlation ID of the newest utterance. This is the prompt
// context fed to the answer generator.
//
// Generated answers are excluded from the block: the model's own output
// reaches it through the summary memory, not verbatim. Image context and
// both human speakers are included.
//
// n <= 0 uses the configured recent window. An empty transcript yields an
// empty block and empty correlation ID.
func (m *Memory) RecentBlock(n int) (string, string) {
	if n <= 0 {
		n = m.recentWindow
	}

	m.mu.Lock()
	merged := make([]Utterance, 0, 32)
	for speaker, log := range m.logs {
		if speaker == SpeakerAI || speaker == SpeakerAICoach {
			continue
		}
		merged = append(merged, log...)
	}
	m.mu.Unlock()

	if len(merged) == 0 {
		return "", ""
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}

	var sb strings.Builder
	for _, u := range merged {
		fmt.Fprintf(&sb, "[%s][%s]: %s\n", u.Timestamp.Format(time.RFC3339), u.Speaker, u.Text)
	}
	return sb.String(), merged[len(merged)-1].CorrelationID
}

// Summary returns the long-term rolling summary followed by the verbatim
// short-term buffer, for generation strategies that use summarisation
// memory.
func (m *Memory) Summary() string {
	m.mu.Lock()
	summary := m.summary
	buffer := make([]Utterance, len(m.shortTerm))
	copy(buffer, m.shortTerm)
	m.mu.Unlock()

	var sb strings.Builder
	if summary != "" {
		sb.WriteString("--- Conversation summary (long-term) ---\n")
		sb.WriteString(summary)
		sb.WriteString("\n--- End of summary ---\n")
	}
	sb.WriteString("--- Recent conversation (short-term) ---\n")
	for _, u := range buffer {
		fmt.Fprintf(&sb, "[%s]: %s\n", u.Speaker, u.Text)
	}
	sb.WriteString("--- End of recent conversation ---\n")
	return sb.String()
}

// NextHistory pops the oldest pending utterance from the outbound history
// queue. The second return value is false when the queue is empty. The
// session's history worker polls this to deliver utterances to the
// persistence and delivery collaborators.
func (m *Memory) NextHistory() (Utterance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbound) == 0 {
		return Utterance{}, false
	}
	u := m.outbound[0]
	m.outbound = m.outbound[1:]
	return u, true
}

// SetPaused toggles response triggering. While paused, commits still append
// to the transcript but never set a trigger.
func (m *Memory) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// Paused reports whether triggering is suspended.
func (m *Memory) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// LoadHistory seeds the transcript with previously persisted utterances,
// e.g. when a client reconnects to a live session. Loaded utterances never
// set triggers and are not re-queued for history delivery. Utterances the
// transcript already holds — matched by correlation ID — are skipped, so
// replaying history into a live memory never duplicates entries.
func (m *Memory) LoadHistory(history []Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for _, log := range m.logs {
		for _, u := range log {
			seen[u.CorrelationID] = struct{}{}
		}
	}

	for _, u := range history {
		if u.CorrelationID != "" {
			if _, ok := seen[u.CorrelationID]; ok {
				continue
			}
			seen[u.CorrelationID] = struct{}{}
		}
		m.logs[u.Speaker] = append(m.logs[u.Speaker], u)
		if u.Speaker.IsHuman() {
			m.shortTerm = append(m.shortTerm, u)
		}
	}
}

// Utterances returns a copy of one speaker's committed utterances in
// arrival order.
func (m *Memory) Utterances(speaker Speaker) []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Utterance, len(m.logs[speaker]))
	copy(out, m.logs[speaker])
	return out
}

// EstimatedTokens returns the estimated token size of the short-term buffer.
func (m *Memory) EstimatedTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return estimateTokens(m.shortTerm)
}

// Prune enforces the short-term token ceiling: the oldest utterances are
// discarded until the buffer fits, then the summariser folds the discarded
// content into the long-term summary. If the summary itself exceeds the
// ceiling it is cleared outright (lossy, logged).
//
// Summarisation may be slow or hang, so Prune is intended to run on a
// detached goroutine; commit paths never block on it. Concurrent calls
// coalesce into one.
func (m *Memory) Prune(ctx context.Context) {
	if !m.pruning.CompareAndSwap(false, true) {
		return
	}
	defer m.pruning.Store(false)

	m.mu.Lock()
	var discarded []Utterance
	for len(m.shortTerm) > 1 && estimateTokens(m.shortTerm) > m.tokenLimit {
		discarded = append(discarded, m.shortTerm[0])
		m.shortTerm = m.shortTerm[1:]
	}
	summariser := m.summariser
	m.mu.Unlock()

	if len(discarded) == 0 {
		return
	}
	slog.Debug("transcript: pruned short-term buffer", "discarded", len(discarded))

	if summariser == nil {
		return
	}

	// Slow external call runs outside the lock.
	folded, err := summariser.Summarise(ctx, discarded)
	if err != nil {
		slog.Warn("transcript: summarise pruned content failed", "err", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summary == "" {
		m.summary = folded
	} else {
		m.summary = m.summary + "\n" + folded
	}
	if len(m.summary)/charsPerToken > m.tokenLimit {
		slog.Warn("transcript: long-term summary exceeded token ceiling, clearing",
			"estimated_tokens", len(m.summary)/charsPerToken)
		m.summary = ""
	}
}

// passesLengthFilter applies the language-aware minimum-content filter.
// Must be called with m.mu held (reads immutable config only, but kept
// consistent with commit).
func (m *Memory) passesLengthFilter(text string) bool {
	if m.logographic {
		return ContentLength(text, true) >= m.minRunes
	}
	return ContentLength(text, false) >= m.minWords
}

// estimateTokens applies the chars-per-token heuristic to a buffer.
func estimateTokens(buf []Utterance) int {
	chars := 0
	for _, u := range buf {
		chars += len(u.Text) + len(u.Speaker)
	}
	return chars / charsPerToken
}
