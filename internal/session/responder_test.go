package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/intervox-ai/intervox/internal/session"
	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/answer"
	answermock "github.com/intervox-ai/intervox/pkg/answer/mock"
	"github.com/intervox-ai/intervox/pkg/billing"
	billingmock "github.com/intervox-ai/intervox/pkg/billing/mock"
	"github.com/intervox-ai/intervox/pkg/delivery"
	deliverymock "github.com/intervox-ai/intervox/pkg/delivery/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// responderFixture bundles a running responder with its collaborators.
type responderFixture struct {
	memory    *transcript.Memory
	gen       *answermock.Generator
	emitter   *deliverymock.Emitter
	meter     *session.CreditMeter
	responder *session.Responder
}

// startResponder builds and runs a responder with fast test timings.
// trigger may be nil to use the memory's interviewer trigger.
func startResponder(t *testing.T, gen *answermock.Generator, trigger <-chan struct{}) *responderFixture {
	t.Helper()
	return startResponderWithBudget(t, gen, trigger, time.Second)
}

func startResponderWithBudget(t *testing.T, gen *answermock.Generator, trigger <-chan struct{}, budget time.Duration) *responderFixture {
	t.Helper()

	f := &responderFixture{
		memory:  transcript.NewMemory(transcript.MemoryConfig{}),
		gen:     gen,
		emitter: &deliverymock.Emitter{},
	}
	f.meter = session.NewCreditMeter(session.MeterConfig{
		UserID:      "user-1",
		Tier:        billing.TierPaid,
		Cost:        1,
		Ledger:      &billingmock.Ledger{},
		Emitter:     f.emitter,
		Room:        "sess-1",
		RequestStop: func(string) {},
	})

	if trigger == nil {
		trigger = f.memory.Trigger(transcript.SpeakerInterviewer)
	}
	strategy, err := answer.NewStrategy(answer.StrategyDefault, gen)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	f.responder = session.NewResponder(session.ResponderConfig{
		Speaker:   transcript.SpeakerAI,
		Trigger:   trigger,
		Memory:    f.memory,
		Strategy:  strategy,
		Emitter:   f.emitter,
		Room:      "sess-1",
		BusyTopic: delivery.TopicBusyStatus,
		Meter:     f.meter,
		Budget:    budget,
		Throttle:  time.Millisecond,
		Poll:      5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.responder.Run(ctx) }()
	return f
}

// aiAnswered reports whether an AI utterance containing want is committed.
func (f *responderFixture) aiAnswered(want string) func() bool {
	return func() bool {
		for _, u := range f.memory.Utterances(transcript.SpeakerAI) {
			if strings.Contains(u.Text, want) {
				return true
			}
		}
		return false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestResponder_AnswersOnTrigger(t *testing.T) {
	t.Parallel()
	gen := &answermock.Generator{Response: "Use channels to coordinate goroutines."}
	f := startResponder(t, gen, nil)

	f.memory.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer,
		Text:    "how do you coordinate goroutines",
	})

	waitFor(t, 2*time.Second, f.aiAnswered("Use channels"), "answer never committed")

	if f.meter.ActivatedAt().IsZero() {
		t.Error("first response should start the billable clock")
	}

	busy := f.emitter.ByTopic(delivery.TopicBusyStatus)
	if len(busy) < 2 || busy[0].Payload != true || busy[len(busy)-1].Payload != false {
		t.Errorf("busy status sequence = %v", busy)
	}

	prompts := gen.Prompts()
	if len(prompts) == 0 {
		t.Fatal("generator never called")
	}
	if !strings.Contains(prompts[0], "interview copilot") {
		t.Errorf("prompt missing system prompt:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "how do you coordinate goroutines") {
		t.Errorf("prompt missing conversation context:\n%s", prompts[0])
	}
}

func TestResponder_GreetsOnEmptyTranscript(t *testing.T) {
	t.Parallel()
	trigger := make(chan struct{}, 1)
	trigger <- struct{}{}
	gen := &answermock.Generator{Response: "unused"}
	f := startResponder(t, gen, trigger)

	waitFor(t, 2*time.Second, f.aiAnswered("I am listening"), "greeting never committed")

	if gen.CallCount() != 0 {
		t.Errorf("generator called %d times for an empty transcript, want 0", gen.CallCount())
	}
}

func TestResponder_BudgetExceededCommitsFallback(t *testing.T) {
	t.Parallel()
	gen := &answermock.Generator{Response: "too late", Delay: 5 * time.Second}
	f := startResponderWithBudget(t, gen, nil, 30*time.Millisecond)

	f.memory.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer,
		Text:    "please answer this slowly",
	})

	waitFor(t, 2*time.Second, f.aiAnswered("could not prepare an answer"), "fallback never committed")
}

func TestResponder_GenerationErrorCommitsNothing(t *testing.T) {
	t.Parallel()
	gen := &answermock.Generator{Err: errors.New("upstream 500")}
	f := startResponder(t, gen, nil)

	f.memory.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer,
		Text:    "a question that will fail",
	})

	// Wait for the cycle to finish: busy goes true then false.
	waitFor(t, 2*time.Second, func() bool {
		busy := f.emitter.ByTopic(delivery.TopicBusyStatus)
		return len(busy) >= 2 && busy[len(busy)-1].Payload == false
	}, "generation cycle never completed")

	if got := f.memory.Utterances(transcript.SpeakerAI); len(got) != 0 {
		t.Errorf("failed generation must not commit an answer, got %d AI utterances", len(got))
	}
}

func TestResponder_SetStrategy(t *testing.T) {
	t.Parallel()
	gen := &answermock.Generator{Response: "Short answer."}
	f := startResponder(t, gen, nil)

	concise, err := answer.NewStrategy(answer.StrategyConcise, gen)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	f.responder.SetStrategy(concise)

	f.memory.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer,
		Text:    "describe your testing approach",
	})

	waitFor(t, 2*time.Second, f.aiAnswered("Short answer."), "answer never committed")

	prompts := gen.Prompts()
	if len(prompts) == 0 {
		t.Fatal("generator never called")
	}
	if !strings.Contains(prompts[0], "at most three sentences") {
		t.Errorf("prompt should use the concise system prompt:\n%s", prompts[0])
	}
	if got := f.responder.Strategy().Name; got != answer.StrategyConcise {
		t.Errorf("Strategy().Name = %q, want concise", got)
	}
}
