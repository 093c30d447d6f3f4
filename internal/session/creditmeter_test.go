package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intervox-ai/intervox/internal/session"
	"github.com/intervox-ai/intervox/pkg/billing"
	billingmock "github.com/intervox-ai/intervox/pkg/billing/mock"
	"github.com/intervox-ai/intervox/pkg/delivery"
	deliverymock "github.com/intervox-ai/intervox/pkg/delivery/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

// meterFixture bundles a meter under test with its collaborators.
type meterFixture struct {
	meter   *session.CreditMeter
	ledger  *billingmock.Ledger
	emitter *deliverymock.Emitter
	reasons chan string
	done    chan error
}

// startMeter builds a meter with fast test timings and runs its loop.
func startMeter(t *testing.T, tier billing.Tier, cost, balance int64) *meterFixture {
	t.Helper()

	f := &meterFixture{
		ledger:  &billingmock.Ledger{},
		emitter: &deliverymock.Emitter{},
		reasons: make(chan string, 1),
		done:    make(chan error, 1),
	}
	f.ledger.SetAccount(billing.Account{UserID: "user-1", Tier: tier, Balance: balance})

	f.meter = session.NewCreditMeter(session.MeterConfig{
		UserID:      "user-1",
		Tier:        tier,
		Cost:        cost,
		Ledger:      f.ledger,
		Emitter:     f.emitter,
		Room:        "sess-1",
		RequestStop: func(reason string) { f.reasons <- reason },
		Interval:    10 * time.Millisecond,
		Grace:       10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { f.done <- f.meter.Run(ctx) }()
	t.Cleanup(f.meter.Stop)
	return f
}

func (f *meterFixture) debitCount() int {
	_, debits := f.meter.Consumed()
	return debits
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestCreditMeter_DebitsWhileActive(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 2, 100)

	f.meter.Activate()
	time.Sleep(80 * time.Millisecond)
	f.meter.Stop()
	<-f.done

	credits, debits := f.meter.Consumed()
	if debits < 2 {
		t.Fatalf("debits = %d, want at least 2", debits)
	}
	if credits != int64(debits)*2 {
		t.Errorf("credits = %d, want %d", credits, int64(debits)*2)
	}
	if got := f.ledger.Balance("user-1"); got != 100-credits {
		t.Errorf("ledger balance = %d, want %d", got, 100-credits)
	}
}

func TestCreditMeter_GatedUntilActivate(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)

	time.Sleep(50 * time.Millisecond)
	f.meter.Stop()
	<-f.done

	if got := f.debitCount(); got != 0 {
		t.Errorf("debits before Activate = %d, want 0", got)
	}
}

func TestCreditMeter_DeactivatePausesDebits(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)

	f.meter.Activate()
	time.Sleep(40 * time.Millisecond)
	f.meter.Deactivate()
	before := f.debitCount()
	time.Sleep(50 * time.Millisecond)

	// One tick may have been in flight when Deactivate ran.
	if after := f.debitCount(); after > before+1 {
		t.Errorf("debits after Deactivate: %d -> %d", before, after)
	}
}

func TestCreditMeter_AdminNeverDebited(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierAdmin, 1, 100)

	f.meter.Activate()
	time.Sleep(50 * time.Millisecond)
	f.meter.Stop()
	<-f.done

	if got := f.debitCount(); got != 0 {
		t.Errorf("admin debits = %d, want 0", got)
	}
}

func TestCreditMeter_FreeSessionTypeNeverDebited(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 0, 100)

	f.meter.Activate()
	time.Sleep(50 * time.Millisecond)
	f.meter.Stop()
	<-f.done

	if got := f.debitCount(); got != 0 {
		t.Errorf("zero-cost debits = %d, want 0", got)
	}
}

func TestCreditMeter_ExhaustionTerminatesOnce(t *testing.T) {
	t.Parallel()
	// Balance covers exactly one debit; the second one fails.
	f := startMeter(t, billing.TierPaid, 2, 3)
	f.meter.Activate()

	select {
	case reason := <-f.reasons:
		if reason != "credits_exhausted" {
			t.Errorf("stop reason = %q, want credits_exhausted", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("meter never requested stop")
	}

	if err := <-f.done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	warnings := f.emitter.ByTopic(delivery.TopicForceTermination)
	if len(warnings) != 1 {
		t.Fatalf("force_termination emitted %d times, want 1", len(warnings))
	}
	if warnings[0].Payload != "credits_exhausted" {
		t.Errorf("payload = %v, want credits_exhausted", warnings[0].Payload)
	}
	if credits, _ := f.meter.Consumed(); credits != 2 {
		t.Errorf("credits consumed = %d, want 2", credits)
	}
}

func TestCreditMeter_MissingAccountTerminates(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)
	f.ledger.DebitErr = billing.ErrNoAccount
	f.meter.Activate()

	select {
	case <-f.reasons:
	case <-time.After(2 * time.Second):
		t.Fatal("meter never requested stop")
	}
}

func TestCreditMeter_TransientErrorRetries(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)
	f.ledger.DebitErr = errors.New("connection refused")
	f.meter.Activate()

	time.Sleep(60 * time.Millisecond)
	f.meter.Stop()
	<-f.done

	if got := f.emitter.ByTopic(delivery.TopicForceTermination); len(got) != 0 {
		t.Errorf("infrastructure failure must not terminate, got %d warnings", len(got))
	}
	if attempts := len(f.ledger.DebitCalls); attempts < 2 {
		t.Errorf("debit attempts = %d, want retries", attempts)
	}
}

func TestCreditMeter_ActivatedAtIsOneShot(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)

	f.meter.Activate()
	first := f.meter.ActivatedAt()
	if first.IsZero() {
		t.Fatal("ActivatedAt should be set after Activate")
	}

	f.meter.Deactivate()
	time.Sleep(10 * time.Millisecond)
	f.meter.Activate()

	if got := f.meter.ActivatedAt(); !got.Equal(first) {
		t.Errorf("ActivatedAt moved from %v to %v on reactivation", first, got)
	}
}

func TestCreditMeter_OnActivateFiresOnce(t *testing.T) {
	t.Parallel()

	times := make(chan time.Time, 2)
	meter := session.NewCreditMeter(session.MeterConfig{
		UserID:      "user-1",
		Tier:        billing.TierPaid,
		Cost:        1,
		Ledger:      &billingmock.Ledger{},
		Emitter:     &deliverymock.Emitter{},
		Room:        "sess-1",
		RequestStop: func(string) {},
		OnActivate:  func(at time.Time) { times <- at },
	})

	meter.Activate()
	meter.Deactivate()
	meter.Activate()

	select {
	case at := <-times:
		if !at.Equal(meter.ActivatedAt()) {
			t.Errorf("hook time %v != ActivatedAt %v", at, meter.ActivatedAt())
		}
	default:
		t.Fatal("OnActivate never fired")
	}
	select {
	case <-times:
		t.Error("OnActivate fired more than once")
	default:
	}
}

func TestCreditMeter_RestoreSeedsClockOnly(t *testing.T) {
	t.Parallel()
	f := startMeter(t, billing.TierPaid, 1, 100)

	seed := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	f.meter.Restore(seed)

	if got := f.meter.ActivatedAt(); !got.Equal(seed) {
		t.Fatalf("ActivatedAt = %v, want restored %v", got, seed)
	}

	// Restoring does not make the meter active.
	time.Sleep(50 * time.Millisecond)
	if got := f.debitCount(); got != 0 {
		t.Errorf("debits = %d, want 0 before Activate", got)
	}

	// A running clock is never overwritten, and activation after a
	// restore keeps the restored start.
	f.meter.Restore(time.Now())
	f.meter.Activate()
	if got := f.meter.ActivatedAt(); !got.Equal(seed) {
		t.Errorf("ActivatedAt = %v, want the original restored %v", got, seed)
	}
}
