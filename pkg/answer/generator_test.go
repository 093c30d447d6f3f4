package answer_test

import (
	"context"
	"strings"
	"testing"

	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/answer/mock"
)

func TestNewStrategy(t *testing.T) {
	gen := &mock.Generator{}

	for _, name := range []string{
		answer.StrategyDefault,
		answer.StrategyConcise,
		answer.StrategyLengthy,
		answer.StrategyMock,
		answer.StrategyCoach,
	} {
		t.Run(name, func(t *testing.T) {
			s, err := answer.NewStrategy(name, gen)
			if err != nil {
				t.Fatalf("NewStrategy(%q): %v", name, err)
			}
			if s.Name != name {
				t.Errorf("Name = %q, want %q", s.Name, name)
			}
			if s.SystemPrompt == "" {
				t.Error("expected a non-empty system prompt")
			}
		})
	}

	if _, err := answer.NewStrategy("verbose", gen); err == nil {
		t.Error("expected error for an unknown strategy name")
	}
}

func TestStrategyGenerate_PrependsSystemPrompt(t *testing.T) {
	gen := &mock.Generator{Response: "the answer"}

	s, err := answer.NewStrategy(answer.StrategyConcise, gen)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	got, err := s.Generate(context.Background(), "What is a goroutine?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "the answer" {
		t.Errorf("Generate = %q, want %q", got, "the answer")
	}

	prompts := gen.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(prompts))
	}
	if !strings.HasPrefix(prompts[0], s.SystemPrompt) {
		t.Errorf("prompt does not start with the system prompt: %q", prompts[0])
	}
	if !strings.Contains(prompts[0], "What is a goroutine?") {
		t.Errorf("prompt missing the user question: %q", prompts[0])
	}
}

func TestStrategyNames(t *testing.T) {
	names := answer.StrategyNames()
	if len(names) != 5 {
		t.Fatalf("len(StrategyNames()) = %d, want 5", len(names))
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, want := range []string{"default", "concise", "lengthy", "mock", "coach"} {
		if !seen[want] {
			t.Errorf("missing strategy %q", want)
		}
	}
}
