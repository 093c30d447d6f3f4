// Package mock provides a recording test double for [delivery.Emitter].
package mock

import (
	"sync"

	"github.com/intervox-ai/intervox/pkg/delivery"
)

// EmitCall records a single invocation of Emitter.Emit.
type EmitCall struct {
	Room    string
	Topic   delivery.Topic
	Payload any
}

// Emitter is a mock implementation of delivery.Emitter that records every
// emitted event. The zero value is ready to use.
type Emitter struct {
	mu    sync.Mutex
	calls []EmitCall
}

// Emit records the event.
func (e *Emitter) Emit(room string, topic delivery.Topic, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, EmitCall{Room: room, Topic: topic, Payload: payload})
}

// Calls returns a copy of all recorded emissions in order.
func (e *Emitter) Calls() []EmitCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EmitCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// ByTopic returns all recorded emissions for the given topic, in order.
func (e *Emitter) ByTopic(topic delivery.Topic) []EmitCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EmitCall
	for _, c := range e.calls {
		if c.Topic == topic {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded emissions.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// Ensure Emitter implements delivery.Emitter at compile time.
var _ delivery.Emitter = (*Emitter)(nil)
