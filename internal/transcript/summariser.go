package transcript

import (
	"context"
	"fmt"
	"strings"

	"github.com/intervox-ai/intervox/pkg/answer"
)

// summarisationPrompt is the instruction prepended when folding pruned
// conversation segments into the long-term summary.
const summarisationPrompt = `Summarise the following interview conversation segment.
Preserve: questions asked, key points of each answer, unresolved topics, and
any commitments made. Be concise but keep every detail a follow-up question
could depend on.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise condenses the given utterances into a summary string.
	Summarise(ctx context.Context, utterances []Utterance) (string, error)
}

// GeneratorSummariser summarises conversation segments through an answer
// generator.
type GeneratorSummariser struct {
	gen answer.Generator
}

// NewGeneratorSummariser creates a [GeneratorSummariser] backed by gen.
func NewGeneratorSummariser(gen answer.Generator) *GeneratorSummariser {
	return &GeneratorSummariser{gen: gen}
}

// Summarise formats the utterances as a readable transcript and asks the
// generator to produce a summary.
func (s *GeneratorSummariser) Summarise(ctx context.Context, utterances []Utterance) (string, error) {
	if len(utterances) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(summarisationPrompt)
	sb.WriteString("\n\n")
	for _, u := range utterances {
		fmt.Fprintf(&sb, "[%s]: %s\n", u.Speaker, u.Text)
	}

	out, err := s.gen.Generate(ctx, sb.String())
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return out, nil
}
