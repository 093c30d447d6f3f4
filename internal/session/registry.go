package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intervox-ai/intervox/internal/observe"
	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/billing"
	"github.com/intervox-ai/intervox/pkg/delivery"
	"github.com/intervox-ai/intervox/pkg/recognizer"
	"github.com/intervox-ai/intervox/pkg/store"
)

// ErrNoActiveSession is returned for operations against a user without a
// live session.
var ErrNoActiveSession = errors.New("session: no active session")

const (
	// sweepInterval is how often the registry scans for over-limit
	// sessions.
	sweepInterval = time.Minute

	// sweepGrace is how long an over-limit session's clients get between
	// the warning and enforcement.
	sweepGrace = 30 * time.Second

	// creationQueueSize bounds the connection request queue.
	creationQueueSize = 64
)

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Store persists sessions and history.
	Store store.Store
	// Ledger is the billing backend.
	Ledger billing.Ledger
	// Emitter delivers events to session rooms.
	Emitter delivery.Emitter
	// Recognizer opens speech recognition streams.
	Recognizer recognizer.Recognizer
	// Generator produces responder answers.
	Generator answer.Generator
	// CoachGenerator produces coach answers. Nil means Generator.
	CoachGenerator answer.Generator

	// SweepInterval overrides the duration-limit scan interval.
	SweepInterval time.Duration
	// SweepGrace overrides the warning-to-enforcement delay.
	SweepGrace time.Duration
	// SessionDefaults carries timing overrides applied to every session.
	SessionDefaults Config

	// Logger is the parent logger. Nil means slog.Default().
	Logger *slog.Logger
}

// ConnectParams describes one client connection joining a session.
type ConnectParams struct {
	// UserID is the account connecting.
	UserID string
	// ClientID identifies this client connection (socket ID).
	ClientID string
	// Kind is the requested session type, used only when no persisted
	// active session exists for the user.
	Kind Type
	// Language is the requested recognition language, used only when no
	// persisted active session exists for the user.
	Language string
}

// connectRequest is one queued AddConnection call.
type connectRequest struct {
	ctx    context.Context
	params ConnectParams
	result chan error
}

// Registry owns every live [Session] and serialises their creation.
//
// Connections are processed strictly in arrival order by a dedicated
// worker, so two sockets of the same user can never race a session into
// existence twice. The registry also runs the duration-limit sweep.
type Registry struct {
	cfg RegistryConfig

	log     *slog.Logger
	metrics *observe.Metrics

	queue chan connectRequest
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session // by user ID
	byClient map[string]string   // client ID -> user ID
	conns    map[string]int      // user ID -> connection count
	warned   map[string]bool     // user ID -> sweep warning sent
}

// NewRegistry creates a Registry and starts its connection worker and
// sweep loop.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Emitter == nil || cfg.Recognizer == nil || cfg.Generator == nil {
		return nil, errors.New("session: registry requires Store, Ledger, Emitter, Recognizer and Generator")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = sweepInterval
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = sweepGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "registry")),
		metrics:  observe.DefaultMetrics(),
		queue:    make(chan connectRequest, creationQueueSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		byClient: make(map[string]string),
		conns:    make(map[string]int),
		warned:   make(map[string]bool),
	}

	r.wg.Add(2)
	go r.connectWorker()
	go r.sweepLoop()
	return r, nil
}

// AddConnection registers a client connection, creating or reusing the
// user's session. Requests are processed in FIFO order; the call blocks
// until this connection has been handled or ctx expires.
func (r *Registry) AddConnection(ctx context.Context, params ConnectParams) error {
	if params.UserID == "" || params.ClientID == "" {
		return errors.New("session: UserID and ClientID are required")
	}
	req := connectRequest{ctx: ctx, params: params, result: make(chan error, 1)}
	select {
	case r.queue <- req:
	case <-r.done:
		return errors.New("session: registry is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-r.done:
		return errors.New("session: registry is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectWorker drains the connection queue one request at a time.
func (r *Registry) connectWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case req := <-r.queue:
			req.result <- r.handleConnect(req.ctx, req.params)
		}
	}
}

// handleConnect creates or reattaches a session for one connection.
//
// The in-memory session is checked against the store's notion of the
// user's active session. Any divergence — a different active ID, or no
// active record at all because the session was archived externally —
// means the in-memory session is stale: it is stopped in the background
// and the store's state wins. When the store has an active session the
// engine does not know about (typically after a restart), that session
// is adopted rather than replaced.
func (r *Registry) handleConnect(ctx context.Context, params ConnectParams) error {
	activeID, err := r.cfg.Store.ActiveSessionID(ctx, params.UserID)
	if err != nil {
		return fmt.Errorf("session: consistency check: %w", err)
	}

	r.mu.Lock()
	existing := r.sessions[params.UserID]
	r.mu.Unlock()

	if existing != nil && existing.ID() != activeID {
		r.log.Warn("stale in-memory session, replacing",
			slog.String("user_id", params.UserID),
			slog.String("stale_id", existing.ID()),
			slog.String("active_id", activeID))
		go existing.Stop("stale")
		r.mu.Lock()
		delete(r.sessions, params.UserID)
		r.mu.Unlock()
		existing = nil
	}

	if existing == nil {
		sess, err := r.createSession(ctx, params, activeID)
		if err != nil {
			return err
		}
		existing = sess
	} else {
		// Reconnect: the recognizer may have died while the user was
		// away, and history past the client's view must be replayed.
		if err := existing.StartRecognizer(ctx); err != nil {
			r.log.Error("recognizer respawn failed", slog.String("error", err.Error()))
		}
		history, err := r.cfg.Store.History(ctx, existing.ID())
		if err != nil {
			r.log.Error("history reload failed", slog.String("error", err.Error()))
		} else {
			existing.LoadHistory(history)
		}
	}

	r.mu.Lock()
	r.byClient[params.ClientID] = params.UserID
	r.conns[params.UserID]++
	r.mu.Unlock()
	r.metrics.ActiveConnections.Add(ctx, 1)

	// Billing stays paused until the next answer; only the responder's
	// trigger starts (or resumes) the billable clock.
	return nil
}

// createSession builds and starts a session. When the store already holds
// an active session for the user (activeID non-empty), that session's
// identity and persisted state are adopted instead of minting a new
// record; otherwise a fresh record is created.
func (r *Registry) createSession(ctx context.Context, params ConnectParams, activeID string) (*Session, error) {
	if !params.Kind.IsValid() {
		return nil, fmt.Errorf("session: unknown session type %q", params.Kind)
	}

	acc, err := r.cfg.Ledger.Account(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("session: account lookup: %w", err)
	}

	adopt := activeID != ""
	var rec store.SessionRecord
	if adopt {
		rec, err = r.cfg.Store.Session(ctx, activeID)
		if errors.Is(err, store.ErrNotFound) {
			// The active pointer has no backing record; start fresh.
			adopt = false
		} else if err != nil {
			return nil, fmt.Errorf("session: load session record: %w", err)
		}
	}

	r.mu.Lock()
	cfg := r.cfg.SessionDefaults
	r.mu.Unlock()
	cfg.UserID = params.UserID
	cfg.Kind = params.Kind
	cfg.Language = params.Language
	cfg.Tier = acc.Tier
	cfg.Store = r.cfg.Store
	cfg.Ledger = r.cfg.Ledger
	cfg.Emitter = r.cfg.Emitter
	cfg.Recognizer = r.cfg.Recognizer
	cfg.Generator = r.cfg.Generator
	cfg.CoachGenerator = r.cfg.CoachGenerator
	cfg.Logger = r.cfg.Logger
	if adopt {
		// The stored record is authoritative for the session's identity
		// and shape; the connect parameters only matter for new sessions.
		cfg.ID = rec.ID
		if k := Type(rec.Kind); k.IsValid() {
			cfg.Kind = k
		}
		if rec.Language != "" {
			cfg.Language = rec.Language
		}
	} else {
		cfg.ID = uuid.NewString()
	}

	sess, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if adopt {
		sess.RestoreActivatedAt(rec.ActivatedAt)
	} else if err := r.cfg.Store.CreateSession(ctx, store.SessionRecord{
		ID:        sess.ID(),
		UserID:    params.UserID,
		Kind:      string(cfg.Kind),
		Language:  cfg.Language,
		StartedAt: time.Now(),
		Active:    true,
	}); err != nil {
		return nil, fmt.Errorf("session: persist session: %w", err)
	}

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	if err := sess.StartRecognizer(ctx); err != nil {
		r.log.Error("initial recognizer start failed", slog.String("error", err.Error()))
	}

	if adopt {
		history, err := r.cfg.Store.History(ctx, sess.ID())
		if err != nil {
			r.log.Error("history reload failed", slog.String("error", err.Error()))
		} else {
			sess.LoadHistory(history)
		}
	}

	r.mu.Lock()
	r.sessions[params.UserID] = sess
	r.mu.Unlock()

	r.log.Info("session created",
		slog.String("session_id", sess.ID()),
		slog.String("user_id", params.UserID),
		slog.String("kind", string(cfg.Kind)),
		slog.String("tier", string(acc.Tier)),
		slog.Bool("adopted", adopt))
	return sess, nil
}

// RemoveConnection unregisters a client connection. When the user's last
// client leaves, the recognition stream is closed and billing pauses; the
// transcript and workers stay so a reconnect resumes seamlessly.
func (r *Registry) RemoveConnection(clientID string) {
	r.mu.Lock()
	userID, ok := r.byClient[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClient, clientID)
	r.conns[userID]--
	last := r.conns[userID] <= 0
	if last {
		delete(r.conns, userID)
	}
	sess := r.sessions[userID]
	r.mu.Unlock()

	r.metrics.ActiveConnections.Add(context.Background(), -1)
	if last && sess != nil {
		sess.StopRecognizer()
		sess.meter.Deactivate()
		r.log.Info("last client left, recognizer idle-dropped",
			slog.String("user_id", userID))
	}
}

// UpdateSessionDefaults replaces the timing and memory overrides applied
// to sessions created from now on. Running sessions keep their settings.
func (r *Registry) UpdateSessionDefaults(defaults Config) {
	r.mu.Lock()
	r.cfg.SessionDefaults = defaults
	r.mu.Unlock()
}

// Session returns the user's live session, or [ErrNoActiveSession].
func (r *Registry) Session(userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// EndSession stops and archives the user's session. reason is recorded in
// the archived cost summary.
func (r *Registry) EndSession(ctx context.Context, userID, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	delete(r.warned, userID)
	r.mu.Unlock()
	if !ok {
		return ErrNoActiveSession
	}

	sess.Stop(reason)

	credits, debits := sess.Consumed()
	if credits > 0 {
		// The per-minute debits already moved the balance; this writes
		// the session's total as a single audit record.
		if err := r.cfg.Ledger.RecordTransaction(ctx, userID, sess.ID(), -credits); err != nil {
			r.log.Warn("record billing transaction",
				slog.String("session_id", sess.ID()),
				slog.String("error", err.Error()))
		}
	}
	if err := r.cfg.Store.Archive(ctx, sess.ID(), store.CostSummary{
		Credits:   credits,
		Debits:    debits,
		EndReason: reason,
		EndedAt:   time.Now(),
	}); err != nil {
		return fmt.Errorf("session: archive: %w", err)
	}

	r.log.Info("session ended",
		slog.String("session_id", sess.ID()),
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.Int64("credits", credits))
	return nil
}

// sweepLoop periodically enforces per-tier session duration limits.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep warns every over-limit session once and schedules its enforcement
// after the grace period.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for userID, sess := range r.sessions {
		limit := DurationLimit(sess.Tier())
		if limit == 0 {
			continue
		}
		activated := sess.ActivatedAt()
		if activated.IsZero() || now.Sub(activated) <= limit {
			continue
		}
		if r.warned[userID] {
			continue
		}
		r.warned[userID] = true
		expired = append(expired, sess)
	}
	r.mu.Unlock()

	for _, sess := range expired {
		sess := sess
		r.log.Info("session over duration limit",
			slog.String("session_id", sess.ID()),
			slog.String("tier", string(sess.Tier())))
		r.cfg.Emitter.Emit(sess.ID(), delivery.TopicForceTermination, "expired")
		r.metrics.RecordForcedTermination(context.Background(), "expired")
		go func() {
			select {
			case <-time.After(r.cfg.SweepGrace):
			case <-r.done:
			}
			if err := r.EndSession(context.Background(), sess.UserID(), "expired"); err != nil &&
				!errors.Is(err, ErrNoActiveSession) {
				r.log.Error("sweep enforcement failed", slog.String("error", err.Error()))
			}
		}()
	}
}

// Shutdown stops the registry: the connection worker and sweep exit, and
// every live session is ended and archived.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()

	r.mu.Lock()
	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	r.mu.Unlock()

	var errs []error
	for _, userID := range users {
		if err := r.EndSession(ctx, userID, "shutdown"); err != nil && !errors.Is(err, ErrNoActiveSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
