package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/intervox-ai/intervox/internal/observe"
	"github.com/intervox-ai/intervox/pkg/billing"
	"github.com/intervox-ai/intervox/pkg/delivery"
)

const (
	// debitInterval is how often an active session is charged.
	debitInterval = time.Minute

	// terminationGrace is how long a client gets between the
	// force-termination warning and the session actually stopping.
	terminationGrace = time.Minute
)

// CreditMeter charges a session's owner once per minute while the session
// is active. When a debit fails because the balance ran out, it warns the
// client once, waits a grace period, and then requests session stop.
//
// The meter starts gated: debits only happen after the first Activate call,
// which is also when the session's billable clock starts. Deactivate pauses
// debits (all clients disconnected); Activate resumes them.
type CreditMeter struct {
	userID string
	tier   billing.Tier
	cost   int64

	ledger  billing.Ledger
	emitter delivery.Emitter
	room    string

	requestStop func(reason string)
	onActivate  func(at time.Time)

	interval time.Duration
	grace    time.Duration

	log     *slog.Logger
	metrics *observe.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	active      bool
	activatedAt time.Time
	debits      int
	credits     int64
	terminated  bool
}

// MeterConfig configures a [CreditMeter].
type MeterConfig struct {
	// UserID is the account to charge.
	UserID string
	// Tier is the account's plan tier. Admin accounts are never debited.
	Tier billing.Tier
	// Cost is the credits charged per interval.
	Cost int64
	// Ledger is the billing backend.
	Ledger billing.Ledger
	// Emitter delivers the force-termination warning.
	Emitter delivery.Emitter
	// Room is the delivery room of the owning session.
	Room string
	// RequestStop is invoked (once, from the meter's goroutine) when
	// credits run out and the grace period has elapsed.
	RequestStop func(reason string)
	// OnActivate, if set, is invoked once with the activation time when
	// the first Activate call starts the billable clock. It runs on the
	// activating goroutine outside the meter's lock.
	OnActivate func(at time.Time)
	// Interval overrides the debit interval. Zero means one minute.
	Interval time.Duration
	// Grace overrides the termination grace period. Zero means one minute.
	Grace time.Duration
	// Logger is the parent logger. Nil means slog.Default().
	Logger *slog.Logger
}

// NewCreditMeter creates a meter for one session.
func NewCreditMeter(cfg MeterConfig) *CreditMeter {
	if cfg.Interval <= 0 {
		cfg.Interval = debitInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = terminationGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CreditMeter{
		userID:      cfg.UserID,
		tier:        cfg.Tier,
		cost:        cfg.Cost,
		ledger:      cfg.Ledger,
		emitter:     cfg.Emitter,
		room:        cfg.Room,
		requestStop: cfg.RequestStop,
		onActivate:  cfg.OnActivate,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		log: cfg.Logger.With(
			slog.String("component", "creditmeter"),
			slog.String("user_id", cfg.UserID),
		),
		metrics: observe.DefaultMetrics(),
		stopCh:  make(chan struct{}),
	}
}

// Activate marks the session billable. The first call records the start of
// the billable clock used for session duration limits and fires the
// OnActivate hook.
func (m *CreditMeter) Activate() {
	m.mu.Lock()
	m.active = true
	first := m.activatedAt.IsZero()
	if first {
		m.activatedAt = time.Now()
	}
	at := m.activatedAt
	m.mu.Unlock()

	if first && m.onActivate != nil {
		m.onActivate(at)
	}
}

// Restore seeds the billable clock from a previous run of the same session.
// It does not make the meter active and is ignored once the clock has
// started or when at is the zero time.
func (m *CreditMeter) Restore(at time.Time) {
	if at.IsZero() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activatedAt.IsZero() {
		m.activatedAt = at
	}
}

// Deactivate pauses debits without stopping the meter.
func (m *CreditMeter) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

// ActivatedAt returns when the session first became billable, or the zero
// time if it never has.
func (m *CreditMeter) ActivatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activatedAt
}

// Consumed returns the total credits charged and the number of debit
// cycles that ran.
func (m *CreditMeter) Consumed() (credits int64, debits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits, m.debits
}

// Stop tells the meter to exit its loop. Safe to call more than once and
// from any goroutine.
func (m *CreditMeter) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run executes the metering loop until Stop is called or ctx is cancelled.
// Admin accounts and free session types are never debited, but the loop
// still runs so the billable clock and stop semantics stay uniform.
func (m *CreditMeter) Run(ctx context.Context) error {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-timer.C:
		}

		if m.shouldDebit() {
			if done := m.debit(ctx); done {
				return nil
			}
		}
		timer.Reset(m.interval)
	}
}

func (m *CreditMeter) shouldDebit() bool {
	if m.cost == 0 || m.tier == billing.TierAdmin {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// debit charges one interval's cost. Returns true when the meter is done
// because the session is being terminated for lack of credits.
func (m *CreditMeter) debit(ctx context.Context) bool {
	remaining, err := m.ledger.Debit(ctx, m.userID, m.cost)
	switch {
	case err == nil:
		m.mu.Lock()
		m.debits++
		m.credits += m.cost
		m.mu.Unlock()
		m.metrics.RecordDebit(ctx, m.cost)
		m.log.Debug("debited session credits",
			slog.Int64("amount", m.cost), slog.Int64("remaining", remaining))
		return false
	case errors.Is(err, billing.ErrInsufficientCredits), errors.Is(err, billing.ErrNoAccount):
		m.terminate(ctx)
		return true
	default:
		// Transient ledger failure: never terminate on infrastructure
		// errors, retry next interval.
		m.log.Error("credit debit failed", slog.String("error", err.Error()))
		return false
	}
}

// terminate warns the client exactly once, waits out the grace period, and
// requests session stop.
func (m *CreditMeter) terminate(ctx context.Context) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.mu.Unlock()

	m.log.Info("credits exhausted, terminating session",
		slog.Duration("grace", m.grace))
	m.emitter.Emit(m.room, delivery.TopicForceTermination, "credits_exhausted")
	m.metrics.RecordForcedTermination(ctx, "credits_exhausted")

	select {
	case <-time.After(m.grace):
	case <-ctx.Done():
	case <-m.stopCh:
	}
	m.requestStop("credits_exhausted")
}
