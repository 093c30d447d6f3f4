// Package answer defines the Generator interface for the external
// text-completion capability that produces AI responses, plus the fixed set
// of response strategies a session's response workers can switch between at
// runtime.
//
// A Generator may be slow or hang; callers must bound every Generate call
// with a context deadline. Implementations must be safe for concurrent use.
package answer

import (
	"context"
	"fmt"
)

// Generator produces a text response for a prompt context.
type Generator interface {
	// Generate returns the response text for the given prompt. It must
	// respect ctx cancellation; callers enforce their latency budget
	// through the context deadline.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Strategy binds a named response style to a generator. The name selects a
// system prompt; the generator does the actual completion. Strategies are
// immutable once built so they can be swapped atomically between worker
// iterations.
type Strategy struct {
	// Name identifies the strategy ("default", "concise", …).
	Name string

	// SystemPrompt is prepended to every prompt sent to the generator.
	SystemPrompt string

	gen Generator
}

// Generate runs the strategy's generator with its system prompt applied.
func (s *Strategy) Generate(ctx context.Context, prompt string) (string, error) {
	full := prompt
	if s.SystemPrompt != "" {
		full = s.SystemPrompt + "\n\n" + prompt
	}
	return s.gen.Generate(ctx, full)
}

// Strategy names accepted by [NewStrategy].
const (
	StrategyDefault = "default"
	StrategyConcise = "concise"
	StrategyLengthy = "lengthy"
	StrategyMock    = "mock"
	StrategyCoach   = "coach"
)

// systemPrompts maps strategy names to their system prompts.
var systemPrompts = map[string]string{
	StrategyDefault: "You are an interview copilot. Answer the interviewer's " +
		"latest question on behalf of the candidate, clearly and directly.",
	StrategyConcise: "You are an interview copilot. Answer the interviewer's " +
		"latest question in at most three sentences.",
	StrategyLengthy: "You are an interview copilot. Answer the interviewer's " +
		"latest question thoroughly, with structure and examples.",
	StrategyMock: "You are a mock interviewer. React to the candidate's " +
		"latest answer, then ask the next interview question.",
	StrategyCoach: "You are an interview coach. Critique the candidate's " +
		"latest answer and suggest one concrete improvement.",
}

// NewStrategy builds a [Strategy] for the given name backed by gen.
// Returns an error for unrecognised names.
func NewStrategy(name string, gen Generator) (*Strategy, error) {
	prompt, ok := systemPrompts[name]
	if !ok {
		return nil, fmt.Errorf("answer: unsupported strategy %q", name)
	}
	return &Strategy{Name: name, SystemPrompt: prompt, gen: gen}, nil
}

// StrategyNames returns the set of supported strategy names.
func StrategyNames() []string {
	names := make([]string, 0, len(systemPrompts))
	for name := range systemPrompts {
		names = append(names, name)
	}
	return names
}
