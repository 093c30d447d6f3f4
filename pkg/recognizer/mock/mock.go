// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Recognizer to verify that the caller starts streams with the expected
// Config. Use Stream to feed controlled recognition events and inspect which
// audio chunks were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	r := &mock.Recognizer{Stream: st}
//	handle, _ := r.Start(ctx, cfg)
//	st.Emit(recognizer.Event{Speaker: transcript.SpeakerInterviewee, Text: "hello", SpeechFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/intervox-ai/intervox/pkg/recognizer"
)

// StartCall records a single invocation of Recognizer.Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// Cfg is the Config passed to Start.
	Cfg recognizer.Config
}

// Recognizer is a mock implementation of recognizer.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Stream is the Stream returned by Start. If nil, Start returns a new
	// default Stream.
	Stream recognizer.Stream

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start.
	StartCalls []StartCall
}

// Start records the call and returns Stream, StartErr.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	if r.Stream != nil {
		return r.Stream, nil
	}
	return NewStream(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = nil
}

// Ensure Recognizer implements recognizer.Recognizer at compile time.
var _ recognizer.Recognizer = (*Recognizer)(nil)

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Stream is a mock implementation of recognizer.Stream. Tests drive it by
// calling Emit to push events to the consumer and CloseEvents to simulate
// the provider dropping the connection.
type Stream struct {
	mu sync.Mutex

	events    chan recognizer.Event
	closed    bool
	evtClosed bool

	// SendAudioErr, if non-nil, is returned as the error from SendAudio.
	SendAudioErr error

	// SendAudioCalls records every call to SendAudio.
	SendAudioCalls []SendAudioCall

	// CloseCalls counts how many times Close was invoked.
	CloseCalls int
}

// NewStream returns a Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan recognizer.Event, 16)}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns the mock event channel.
func (s *Stream) Events() <-chan recognizer.Event { return s.events }

// Emit pushes an event to the consumer. It panics if the buffer is full so
// that a misconfigured test fails loudly rather than deadlocking.
func (s *Stream) Emit(ev recognizer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evtClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		panic("mock: stream event buffer full")
	}
}

// CloseEvents closes the event channel without marking the stream closed,
// simulating the recognition service terminating the stream on its own.
func (s *Stream) CloseEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.evtClosed {
		s.evtClosed = true
		close(s.events)
	}
}

// Close records the call and closes the event channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.closed = true
	s.mu.Unlock()
	s.CloseEvents()
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Stream implements recognizer.Stream at compile time.
var _ recognizer.Stream = (*Stream)(nil)
