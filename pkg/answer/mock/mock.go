// Package mock provides an in-memory test double for the answer.Generator
// interface. The mock records every call for assertion in tests and exposes
// exported fields that control what it returns.
package mock

import (
	"context"
	"sync"
	"time"
)

// Generator is a configurable test double for answer.Generator.
// All methods are safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	prompts []string

	// Response is returned by [Generator.Generate] when Err is nil.
	Response string

	// Err is returned by [Generator.Generate] when non-nil.
	Err error

	// Delay makes Generate block for the given duration (or until ctx is
	// cancelled) before returning. Used to exercise latency budgets.
	Delay time.Duration
}

// Generate implements answer.Generator.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	delay := g.Delay
	resp, err := g.Response, g.Err
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return resp, err
}

// CallCount returns the number of Generate invocations so far.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// Prompts returns a copy of all prompts passed to Generate, in order.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.prompts))
	copy(out, g.prompts)
	return out
}
