package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/recognizer"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	generators  map[string]func(ProviderEntry) (answer.Generator, error)
	recognizers map[string]func(RecognizerEntry) (recognizer.Recognizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generators:  make(map[string]func(ProviderEntry) (answer.Generator, error)),
		recognizers: make(map[string]func(RecognizerEntry) (recognizer.Recognizer, error)),
	}
}

// RegisterGenerator registers an answer generator factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGenerator(name string, factory func(ProviderEntry) (answer.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = factory
}

// RegisterRecognizer registers a speech recognizer factory under name.
func (r *Registry) RegisterRecognizer(name string, factory func(RecognizerEntry) (recognizer.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// CreateGenerator instantiates an answer generator using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateGenerator(entry ProviderEntry) (answer.Generator, error) {
	r.mu.RLock()
	factory, ok := r.generators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateRecognizer instantiates a speech recognizer using the factory
// registered under entry.Name.
func (r *Registry) CreateRecognizer(entry RecognizerEntry) (recognizer.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognizer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
