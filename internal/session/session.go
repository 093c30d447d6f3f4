package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intervox-ai/intervox/internal/observe"
	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/billing"
	"github.com/intervox-ai/intervox/pkg/delivery"
	"github.com/intervox-ai/intervox/pkg/recognizer"
	"github.com/intervox-ai/intervox/pkg/store"
)

// ErrRecognizerNotRunning is returned by ChatAudio when no recognition
// stream is open.
var ErrRecognizerNotRunning = errors.New("session: recognizer not running")

// historyPoll is how often the history worker drains the outbound queue.
const historyPoll = 100 * time.Millisecond

// joinSlack is added to the generation budget to bound Stop's wait for
// worker shutdown. A worker exceeding it is abandoned with an error log.
const joinSlack = 5 * time.Second

// Config configures a [Session].
type Config struct {
	// ID identifies the session and names its delivery room.
	ID string
	// UserID is the owning account.
	UserID string
	// Kind is the session type.
	Kind Type
	// Language is the recognition language.
	Language string
	// Tier is the owning account's plan tier.
	Tier billing.Tier

	// Store persists committed history.
	Store store.Store
	// Ledger is the billing backend for the credit meter.
	Ledger billing.Ledger
	// Emitter delivers events to the session's clients.
	Emitter delivery.Emitter
	// Recognizer opens speech recognition streams.
	Recognizer recognizer.Recognizer
	// Generator produces responder answers and transcript summaries.
	Generator answer.Generator
	// CoachGenerator produces coach answers. Nil means Generator.
	CoachGenerator answer.Generator

	// MeterInterval and MeterGrace override credit meter timing.
	MeterInterval time.Duration
	MeterGrace    time.Duration
	// Budget, Throttle and Poll override responder timing.
	Budget   time.Duration
	Throttle time.Duration
	Poll     time.Duration

	// TokenLimit, MinWords and MinRunes override transcript memory
	// tunables. Zero means the memory defaults.
	TokenLimit int
	MinWords   int
	MinRunes   int

	// Logger is the parent logger. Nil means slog.Default().
	Logger *slog.Logger
}

// Session is one live interview: the sentence assembler, the transcript
// memory, the response workers and the credit meter for a single user.
//
// A Session is created by the [Registry] and runs until Stop. The
// recognition stream has its own lifecycle within the session: it is
// (re)spawned on client connect and closed when the last client leaves,
// while the transcript and workers live on.
type Session struct {
	id       string
	userID   string
	kind     Type
	language string
	tier     billing.Tier

	memory    *transcript.Memory
	assembler *transcript.Assembler
	meter     *CreditMeter
	responder *Responder
	coach     *Responder

	store      store.Store
	emitter    delivery.Emitter
	recognizer recognizer.Recognizer
	generator  answer.Generator

	budget time.Duration

	log     *slog.Logger
	metrics *observe.Metrics

	ready atomic.Bool

	cancel  context.CancelFunc
	group   *errgroup.Group
	started atomic.Bool

	stopOnce  sync.Once
	stopped   chan struct{}
	endReason atomic.Pointer[string]

	recMu     sync.Mutex
	recStream recognizer.Stream

	// retryHistory holds utterances already shown to clients whose store
	// write failed. Owned by the history worker goroutine.
	retryHistory []transcript.Utterance
}

// New creates a Session. No goroutines run until Start.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" || cfg.UserID == "" {
		return nil, errors.New("session: ID and UserID are required")
	}
	if !cfg.Kind.IsValid() {
		return nil, fmt.Errorf("session: unknown session type %q", cfg.Kind)
	}
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Emitter == nil || cfg.Recognizer == nil || cfg.Generator == nil {
		return nil, errors.New("session: Store, Ledger, Emitter, Recognizer and Generator are required")
	}
	if cfg.CoachGenerator == nil {
		cfg.CoachGenerator = cfg.Generator
	}
	if cfg.Budget <= 0 {
		cfg.Budget = generationBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log := cfg.Logger.With(
		slog.String("session_id", cfg.ID),
		slog.String("user_id", cfg.UserID),
		slog.String("kind", string(cfg.Kind)),
	)

	s := &Session{
		id:         cfg.ID,
		userID:     cfg.UserID,
		kind:       cfg.Kind,
		language:   cfg.Language,
		tier:       cfg.Tier,
		store:      cfg.Store,
		emitter:    cfg.Emitter,
		recognizer: cfg.Recognizer,
		generator:  cfg.Generator,
		budget:     cfg.Budget,
		log:        log,
		metrics:    observe.DefaultMetrics(),
		stopped:    make(chan struct{}),
	}

	s.memory = transcript.NewMemory(transcript.MemoryConfig{
		MinWords:    cfg.MinWords,
		MinRunes:    cfg.MinRunes,
		Logographic: isLogographic(cfg.Language),
		TokenLimit:  cfg.TokenLimit,
		Summariser:  transcript.NewGeneratorSummariser(cfg.Generator),
	})

	s.assembler = transcript.NewAssembler(s.emitPreview, func(u transcript.Utterance) {
		s.memory.Commit(u)
	})

	s.meter = NewCreditMeter(MeterConfig{
		UserID:  cfg.UserID,
		Tier:    cfg.Tier,
		Cost:    cfg.Kind.CostPerMinute(),
		Ledger:  cfg.Ledger,
		Emitter: cfg.Emitter,
		Room:    cfg.ID,
		RequestStop: func(reason string) {
			// Stop joins the worker group; detach so the meter's own
			// goroutine can exit first.
			go s.Stop(reason)
		},
		OnActivate: func(at time.Time) {
			// Persist the start of the billable clock so a reconnect
			// after a restart resumes the same session lifetime.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.store.SetActivated(ctx, s.id, at); err != nil {
					s.log.Warn("failed to persist activation time",
						slog.String("error", err.Error()))
				}
			}()
		},
		Interval: cfg.MeterInterval,
		Grace:    cfg.MeterGrace,
		Logger:   log,
	})

	if cfg.Kind.HasResponder() {
		strategy, err := answer.NewStrategy(answer.StrategyDefault, cfg.Generator)
		if err != nil {
			return nil, err
		}
		s.responder = NewResponder(ResponderConfig{
			Speaker:   transcript.SpeakerAI,
			Trigger:   s.memory.Trigger(transcript.SpeakerInterviewer),
			Memory:    s.memory,
			Strategy:  strategy,
			Emitter:   cfg.Emitter,
			Room:      cfg.ID,
			BusyTopic: delivery.TopicBusyStatus,
			Meter:     s.meter,
			Budget:    cfg.Budget,
			Throttle:  cfg.Throttle,
			Poll:      cfg.Poll,
			Logger:    log,
		})
	}

	if cfg.Kind.HasCoach() {
		name := answer.StrategyCoach
		if cfg.Kind == TypeMock {
			name = answer.StrategyMock
		}
		strategy, err := answer.NewStrategy(name, cfg.CoachGenerator)
		if err != nil {
			return nil, err
		}
		s.coach = NewResponder(ResponderConfig{
			Speaker:   transcript.SpeakerAICoach,
			Trigger:   s.memory.Trigger(transcript.SpeakerInterviewee),
			Memory:    s.memory,
			Strategy:  strategy,
			Emitter:   cfg.Emitter,
			Room:      cfg.ID,
			BusyTopic: delivery.TopicCoachBusyStatus,
			Meter:     s.meter,
			Budget:    cfg.Budget,
			Throttle:  cfg.Throttle,
			Poll:      cfg.Poll,
			Logger:    log,
		})
	}

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the owning account.
func (s *Session) UserID() string { return s.userID }

// Kind returns the session type.
func (s *Session) Kind() Type { return s.kind }

// Tier returns the owning account's plan tier.
func (s *Session) Tier() billing.Tier { return s.tier }

// ActivatedAt returns when the session first became billable.
func (s *Session) ActivatedAt() time.Time { return s.meter.ActivatedAt() }

// Consumed returns total credits charged and debit cycles run so far.
func (s *Session) Consumed() (int64, int) { return s.meter.Consumed() }

// EndReason returns why the session stopped, or "" while it is running.
func (s *Session) EndReason() string {
	if r := s.endReason.Load(); r != nil {
		return *r
	}
	return ""
}

// Start launches the session's worker group. It is not safe to call twice.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}

	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.meter.Run(ctx) })
	s.group.Go(func() error { return s.historyLoop(ctx) })
	if s.responder != nil {
		s.group.Go(func() error { return s.responder.Run(ctx) })
	}
	if s.coach != nil {
		s.group.Go(func() error { return s.coach.Run(ctx) })
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.setReady(true)
	s.log.Info("session started")
	return nil
}

// StartRecognizer opens a recognition stream if none is running and pumps
// its events into the assembler. Called on client connect and reconnect.
func (s *Session) StartRecognizer(ctx context.Context) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.recStream != nil {
		return nil
	}

	stream, err := s.recognizer.Start(ctx, recognizer.Config{
		SampleRate: 16000,
		Channels:   2,
		Language:   s.language,
	})
	if err != nil {
		return fmt.Errorf("session: start recognizer: %w", err)
	}
	s.recStream = stream
	go s.pumpRecognizer(stream)

	s.emitter.Emit(s.id, delivery.TopicRecognizerReady, true)
	s.log.Info("recognizer stream started")
	return nil
}

// StopRecognizer closes the recognition stream, if any. The transcript and
// workers keep running.
func (s *Session) StopRecognizer() {
	s.recMu.Lock()
	stream := s.recStream
	s.recStream = nil
	s.recMu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// RecognizerRunning reports whether a recognition stream is open.
func (s *Session) RecognizerRunning() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.recStream != nil
}

// pumpRecognizer feeds recognition events into the assembler until the
// stream's event channel closes. A close not initiated by StopRecognizer
// means the provider dropped the stream; clients are told so they can
// request a respawn.
func (s *Session) pumpRecognizer(stream recognizer.Stream) {
	for ev := range stream.Events() {
		switch {
		case ev.IsUtteranceEnd:
			s.assembler.OnUtteranceBoundary(ev.Speaker)
		case ev.SpeechFinal:
			s.assembler.OnFinal(ev.Speaker, ev.Text)
		default:
			s.assembler.OnPartial(ev.Speaker, ev.Text, ev.IsFinal)
		}
	}

	s.recMu.Lock()
	dropped := s.recStream == stream
	if dropped {
		s.recStream = nil
	}
	s.recMu.Unlock()
	if dropped {
		s.emitter.Emit(s.id, delivery.TopicRecognizerReady, false)
		s.log.Warn("recognizer stream ended unexpectedly")
	}
}

// ChatAudio forwards raw audio to the recognition stream.
func (s *Session) ChatAudio(chunk []byte) error {
	s.recMu.Lock()
	stream := s.recStream
	s.recMu.Unlock()
	if stream == nil {
		return ErrRecognizerNotRunning
	}
	return stream.SendAudio(chunk)
}

// Chat commits a typed message directly to the transcript, bypassing the
// assembler. Only human roles and image context may be committed this way.
func (s *Session) Chat(speaker transcript.Speaker, text string) error {
	if !speaker.IsValid() || speaker == transcript.SpeakerAI || speaker == transcript.SpeakerAICoach {
		return fmt.Errorf("session: cannot chat as %q", speaker)
	}
	s.memory.Commit(transcript.Utterance{Speaker: speaker, Text: text})
	return nil
}

// SetPaused pauses or resumes response triggering. Committed speech still
// accumulates while paused.
func (s *Session) SetPaused(paused bool) {
	s.memory.SetPaused(paused)
}

// SetStrategy swaps the responder's answer strategy by name.
func (s *Session) SetStrategy(name string) error {
	if s.responder == nil {
		return errors.New("session: session type has no responder")
	}
	strategy, err := answer.NewStrategy(name, s.generator)
	if err != nil {
		return err
	}
	s.responder.SetStrategy(strategy)
	return nil
}

// LoadHistory replays persisted history into the transcript memory without
// firing triggers. Used on reconnect.
func (s *Session) LoadHistory(history []transcript.Utterance) {
	s.memory.LoadHistory(history)
}

// RestoreActivatedAt seeds the billable clock from the persisted session
// record. Ignored once the clock is running or when at is the zero time.
func (s *Session) RestoreActivatedAt(at time.Time) {
	s.meter.Restore(at)
}

// Ready reports whether the session accepts audio and chat.
func (s *Session) Ready() bool { return s.ready.Load() }

// setReady flips the ready flag and informs clients on change.
func (s *Session) setReady(ready bool) {
	if s.ready.Swap(ready) != ready {
		s.emitter.Emit(s.id, delivery.TopicReady, ready)
	}
}

// Stop shuts the session down: not-ready, recognizer closed, workers
// cancelled and joined. The join is bounded by the generation budget plus
// slack; workers exceeding it are abandoned. Subsequent calls return
// immediately.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		r := reason
		s.endReason.Store(&r)
		s.setReady(false)
		s.StopRecognizer()
		s.meter.Stop()
		if s.cancel != nil {
			s.cancel()
		}

		if s.group != nil {
			joined := make(chan struct{})
			go func() {
				_ = s.group.Wait()
				close(joined)
			}()
			select {
			case <-joined:
			case <-time.After(s.budget + joinSlack):
				s.log.Error("worker join timed out, abandoning workers")
			}
		}

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		close(s.stopped)
		s.log.Info("session stopped", slog.String("reason", reason))
	})
	<-s.stopped
}

// Stopped returns a channel closed once Stop has completed.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// emitPreview streams a novel speech fragment to clients.
func (s *Session) emitPreview(speaker transcript.Speaker, fragment string) {
	switch speaker {
	case transcript.SpeakerInterviewer:
		s.emitter.Emit(s.id, delivery.TopicStreamingInterviewer, fragment)
	case transcript.SpeakerInterviewee:
		s.emitter.Emit(s.id, delivery.TopicStreamingInterviewee, fragment)
	}
}

// historyLoop drains the transcript memory's outbound queue: every
// committed utterance is shown to clients, journaled to the store, and
// acknowledged once durable.
func (s *Session) historyLoop(ctx context.Context) error {
	ticker := time.NewTicker(historyPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainHistory(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			s.drainHistory(ctx)
		}
	}
}

// drainHistory flushes all queued utterances. An utterance is shown to
// clients exactly once, but its store write is retried on later ticks
// until it succeeds, so persistence keeps transcript order and loses
// nothing short of shutdown mid-outage.
func (s *Session) drainHistory(ctx context.Context) {
	// Clients already saw everything in the retry backlog; only the
	// store write and its acknowledgement are outstanding.
	for len(s.retryHistory) > 0 {
		u := s.retryHistory[0]
		if err := s.store.AppendHistory(ctx, s.id, u); err != nil {
			s.log.Error("history persist failed, will retry",
				slog.String("correlation_id", u.CorrelationID),
				slog.String("error", err.Error()))
			return
		}
		s.retryHistory = s.retryHistory[1:]
		s.emitter.Emit(s.id, delivery.TopicChatPersisted, u.CorrelationID)
		s.metrics.RecordCommit(ctx, string(u.Speaker))
	}

	for {
		u, ok := s.memory.NextHistory()
		if !ok {
			return
		}
		s.emitter.Emit(s.id, delivery.TopicChatHistory, u)
		if err := s.store.AppendHistory(ctx, s.id, u); err != nil {
			s.log.Error("history persist failed, will retry",
				slog.String("correlation_id", u.CorrelationID),
				slog.String("error", err.Error()))
			s.retryHistory = append(s.retryHistory, u)
			return
		}
		s.emitter.Emit(s.id, delivery.TopicChatPersisted, u.CorrelationID)
		s.metrics.RecordCommit(ctx, string(u.Speaker))
	}
}

// isLogographic reports whether the language writes without spaces, which
// switches the transcript length filter from words to runes.
func isLogographic(language string) bool {
	switch {
	case len(language) >= 2:
		switch language[:2] {
		case "ja", "zh", "ko", "th":
			return true
		}
	}
	return false
}
