package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/intervox-ai/intervox/internal/observe"
	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/delivery"
)

const (
	// generationBudget is the hard deadline for a single generator call.
	generationBudget = 2 * time.Minute

	// responseThrottle is the minimum time between two generations by the
	// same worker.
	responseThrottle = 2 * time.Second

	// idlePoll is how often an idle worker re-checks its trigger channel.
	idlePoll = 100 * time.Millisecond

	// recentWindow is how many merged utterances feed one generation.
	recentWindow = 10
)

// fallbackAnswer is committed when a generation exceeds its budget.
const fallbackAnswer = "I could not prepare an answer in time. Please continue, I will catch up with the next question."

// greetingAnswer is committed when a worker is triggered before any human
// speech has been committed.
const greetingAnswer = "Hello! I am listening and will suggest answers as soon as the conversation starts."

// Responder is a response worker: it waits for transcript triggers for its
// role and turns conversation context into AI utterances. A session runs
// up to two of them, one answering as the interviewee's assistant and one
// coaching (or, in mock sessions, playing the interviewer).
type Responder struct {
	speaker   transcript.Speaker
	trigger   <-chan struct{}
	memory    *transcript.Memory
	strategy  atomic.Pointer[answer.Strategy]
	emitter   delivery.Emitter
	room      string
	busyTopic delivery.Topic
	meter     *CreditMeter

	budget   time.Duration
	throttle time.Duration
	poll     time.Duration

	log     *slog.Logger
	metrics *observe.Metrics
}

// ResponderConfig configures a [Responder].
type ResponderConfig struct {
	// Speaker is the role the worker commits as (SpeakerAI or
	// SpeakerAICoach).
	Speaker transcript.Speaker
	// Trigger is the transcript memory trigger channel for the role this
	// worker listens to.
	Trigger <-chan struct{}
	// Memory is the session's transcript memory.
	Memory *transcript.Memory
	// Strategy is the initial answer strategy.
	Strategy *answer.Strategy
	// Emitter delivers busy-status events.
	Emitter delivery.Emitter
	// Room is the delivery room of the owning session.
	Room string
	// BusyTopic is the busy-status topic for this worker.
	BusyTopic delivery.Topic
	// Meter is activated on the worker's first generation.
	Meter *CreditMeter
	// Budget overrides the generation deadline. Zero means two minutes.
	Budget time.Duration
	// Throttle overrides the minimum iteration time. Zero means two
	// seconds.
	Throttle time.Duration
	// Poll overrides the idle poll interval. Zero means 100ms.
	Poll time.Duration
	// Logger is the parent logger. Nil means slog.Default().
	Logger *slog.Logger
}

// NewResponder creates a response worker. It does not start any goroutine;
// call Run from the session's worker group.
func NewResponder(cfg ResponderConfig) *Responder {
	if cfg.Budget <= 0 {
		cfg.Budget = generationBudget
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = responseThrottle
	}
	if cfg.Poll <= 0 {
		cfg.Poll = idlePoll
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Responder{
		speaker:   cfg.Speaker,
		trigger:   cfg.Trigger,
		memory:    cfg.Memory,
		emitter:   cfg.Emitter,
		room:      cfg.Room,
		busyTopic: cfg.BusyTopic,
		meter:     cfg.Meter,
		budget:    cfg.Budget,
		throttle:  cfg.Throttle,
		poll:      cfg.Poll,
		log: cfg.Logger.With(
			slog.String("component", "responder"),
			slog.String("role", string(cfg.Speaker)),
		),
		metrics: observe.DefaultMetrics(),
	}
	r.strategy.Store(cfg.Strategy)
	return r
}

// SetStrategy swaps the answer strategy. The new strategy takes effect on
// the next generation; an in-flight one finishes with the old strategy.
func (r *Responder) SetStrategy(s *answer.Strategy) {
	r.strategy.Store(s)
}

// Strategy returns the currently configured strategy.
func (r *Responder) Strategy() *answer.Strategy {
	return r.strategy.Load()
}

// Run executes the worker loop until ctx is cancelled. Each iteration
// waits for a trigger, generates one answer, commits it, and throttles.
func (r *Responder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.trigger:
			r.respond(ctx)
		case <-time.After(r.poll):
		}
	}
}

// respond runs one generation cycle.
func (r *Responder) respond(ctx context.Context) {
	started := time.Now()
	defer r.throttleFrom(ctx, started)

	r.metrics.RecordTrigger(ctx, string(r.speaker))

	// First trigger of the session starts the billable clock.
	r.meter.Activate()

	r.emitter.Emit(r.room, r.busyTopic, true)
	defer r.emitter.Emit(r.room, r.busyTopic, false)

	strategy := r.strategy.Load()

	text, err := r.generate(ctx, strategy)
	status := "ok"
	switch {
	case errors.Is(err, transcript.ErrEmptyHistory):
		text = greetingAnswer
		status = "empty_history"
	case errors.Is(err, context.DeadlineExceeded):
		r.log.Warn("generation exceeded budget", slog.Duration("budget", r.budget))
		text = fallbackAnswer
		status = "timeout"
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		r.log.Error("generation failed", slog.String("error", err.Error()))
		status = "error"
		r.metrics.RecordGeneration(ctx, string(r.speaker), strategy.Name, status, time.Since(started))
		return
	}
	r.metrics.RecordGeneration(ctx, string(r.speaker), strategy.Name, status, time.Since(started))

	r.memory.Commit(transcript.Utterance{Speaker: r.speaker, Text: text})

	// Keep the context window in bounds without blocking the next cycle.
	go r.memory.Prune(context.WithoutCancel(ctx))
}

// generate builds the prompt from the transcript memory and calls the
// strategy under the generation budget.
func (r *Responder) generate(ctx context.Context, strategy *answer.Strategy) (string, error) {
	if _, err := r.memory.Last(); err != nil {
		return "", err
	}

	block, correlationID := r.memory.RecentBlock(recentWindow)
	summary := r.memory.Summary()

	var b strings.Builder
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	b.WriteString("Recent conversation:\n")
	b.WriteString(block)

	genCtx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	text, err := strategy.Generate(genCtx, b.String())
	if err != nil {
		return "", fmt.Errorf("session: generate response for %s: %w", correlationID, err)
	}
	return text, nil
}

// throttleFrom sleeps out the remainder of the throttle window measured
// from started. Interruptible by ctx.
func (r *Responder) throttleFrom(ctx context.Context, started time.Time) {
	remaining := r.throttle - time.Since(started)
	if remaining <= 0 {
		return
	}
	select {
	case <-time.After(remaining):
	case <-ctx.Done():
	}
}
