package transcript_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/intervox-ai/intervox/internal/transcript"
)

// fakeSummariser records the utterances it was asked to fold.
type fakeSummariser struct {
	mu     sync.Mutex
	calls  [][]transcript.Utterance
	result string
	err    error
}

func (f *fakeSummariser) Summarise(_ context.Context, utterances []transcript.Utterance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, utterances)
	return f.result, f.err
}

// triggered reports whether a trigger is pending on ch without blocking.
func triggered(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestCommit_AssignsCorrelationIDAndTimestamp(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})

	got := m.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer,
		Text:    "tell me about yourself",
	})

	if got.CorrelationID == "" {
		t.Error("CorrelationID should be assigned at commit")
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp should be assigned at commit")
	}
}

func TestCommit_PreservesExistingCorrelationID(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})

	got := m.Commit(transcript.Utterance{
		Speaker:       transcript.SpeakerAI,
		Text:          "an answer",
		CorrelationID: "corr-1",
	})

	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
}

func TestCommit_Triggering(t *testing.T) {
	t.Parallel()

	t.Run("interviewer utterance sets interviewer trigger", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "what is a goroutine"})

		if !triggered(m.Trigger(transcript.SpeakerInterviewer)) {
			t.Error("interviewer trigger should be pending")
		}
		if triggered(m.Trigger(transcript.SpeakerInterviewee)) {
			t.Error("interviewee trigger should not be pending")
		}
	})

	t.Run("short utterance filtered out", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "ok."})

		if triggered(m.Trigger(transcript.SpeakerInterviewer)) {
			t.Error("two-word filter should have suppressed the trigger")
		}
	})

	t.Run("ai utterance never triggers", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerAI, Text: "a rather long generated answer"})

		if triggered(m.Trigger(transcript.SpeakerInterviewer)) || triggered(m.Trigger(transcript.SpeakerInterviewee)) {
			t.Error("no trigger should be pending")
		}
	})

	t.Run("paused suppresses triggers but keeps transcript", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		m.SetPaused(true)
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "are you still there"})

		if triggered(m.Trigger(transcript.SpeakerInterviewer)) {
			t.Error("paused memory should not trigger")
		}
		if _, err := m.Last(); err != nil {
			t.Errorf("utterance should still be committed: %v", err)
		}
	})

	t.Run("triggers coalesce into one slot", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "first full question here"})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "second full question here"})

		ch := m.Trigger(transcript.SpeakerInterviewer)
		if !triggered(ch) {
			t.Fatal("a trigger should be pending")
		}
		if triggered(ch) {
			t.Error("second trigger should have coalesced")
		}
	})

	t.Run("logographic filter counts runes", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{Logographic: true})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: "你好吗"})

		if !triggered(m.Trigger(transcript.SpeakerInterviewee)) {
			t.Error("three runes should pass the filter")
		}

		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: "嗯"})
		if triggered(m.Trigger(transcript.SpeakerInterviewee)) {
			t.Error("single rune should be filtered out")
		}
	})
}

func TestTrigger_NonHumanSpeakerIsNil(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})
	if m.Trigger(transcript.SpeakerAI) != nil {
		t.Error("Trigger(ai) should be nil")
	}
}

func TestLast(t *testing.T) {
	t.Parallel()

	t.Run("empty history", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		_, err := m.Last()
		if !errors.Is(err, transcript.ErrEmptyHistory) {
			t.Errorf("err = %v, want ErrEmptyHistory", err)
		}
	})

	t.Run("latest across both speakers", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		base := time.Now()
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "older question", Timestamp: base})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: "newer answer", Timestamp: base.Add(time.Second)})

		got, err := m.Last()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Text != "newer answer" {
			t.Errorf("Last().Text = %q, want %q", got.Text, "newer answer")
		}
	})

	t.Run("ai utterances are ignored", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		base := time.Now()
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "the question", Timestamp: base})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerAI, Text: "the answer", Timestamp: base.Add(time.Second)})

		got, err := m.Last()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Speaker != transcript.SpeakerInterviewer {
			t.Errorf("Last().Speaker = %q, want interviewer", got.Speaker)
		}
	})
}

func TestRecentBlock(t *testing.T) {
	t.Parallel()

	t.Run("empty transcript", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		block, corr := m.RecentBlock(5)
		if block != "" || corr != "" {
			t.Errorf("got (%q, %q), want empty", block, corr)
		}
	})

	t.Run("merged oldest-first with newest correlation id", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		base := time.Now()
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "first question", Timestamp: base})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: "a reply", Timestamp: base.Add(time.Second)})
		last := m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "second question", Timestamp: base.Add(2 * time.Second)})

		block, corr := m.RecentBlock(10)
		if corr != last.CorrelationID {
			t.Errorf("correlation id = %q, want %q", corr, last.CorrelationID)
		}
		first := strings.Index(block, "first question")
		second := strings.Index(block, "second question")
		if first < 0 || second < 0 || first > second {
			t.Errorf("block order wrong:\n%s", block)
		}
	})

	t.Run("generated answers stay out of the block", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		base := time.Now()
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "the question", Timestamp: base})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerAI, Text: "a generated answer", Timestamp: base.Add(time.Second)})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerAICoach, Text: "a coach hint", Timestamp: base.Add(2 * time.Second)})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerImageContext, Text: "a shared code screenshot", Timestamp: base.Add(3 * time.Second)})

		block, _ := m.RecentBlock(10)
		if strings.Contains(block, "a generated answer") || strings.Contains(block, "a coach hint") {
			t.Errorf("model output leaked into the prompt block:\n%s", block)
		}
		if !strings.Contains(block, "a shared code screenshot") {
			t.Errorf("image context missing from the prompt block:\n%s", block)
		}
	})

	t.Run("window caps the merge", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{})
		base := time.Now()
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "dropped utterance", Timestamp: base})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "kept utterance one", Timestamp: base.Add(time.Second)})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "kept utterance two", Timestamp: base.Add(2 * time.Second)})

		block, _ := m.RecentBlock(2)
		if strings.Contains(block, "dropped utterance") {
			t.Errorf("oldest utterance should be outside the window:\n%s", block)
		}
	})
}

func TestNextHistory_FIFO(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})

	m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "the full question"})
	m.Commit(transcript.Utterance{Speaker: transcript.SpeakerAI, Text: "the answer"})

	u1, ok := m.NextHistory()
	if !ok || u1.Text != "the full question" {
		t.Fatalf("first pop = (%q, %v)", u1.Text, ok)
	}
	u2, ok := m.NextHistory()
	if !ok || u2.Speaker != transcript.SpeakerAI {
		t.Fatalf("second pop = (%q, %v)", u2.Speaker, ok)
	}
	if _, ok := m.NextHistory(); ok {
		t.Error("queue should be empty")
	}
}

func TestLoadHistory(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})

	m.LoadHistory([]transcript.Utterance{
		{Speaker: transcript.SpeakerInterviewer, Text: "restored question from before", Timestamp: time.Now(), CorrelationID: "corr-old"},
	})

	if triggered(m.Trigger(transcript.SpeakerInterviewer)) {
		t.Error("loaded history must not set triggers")
	}
	if _, ok := m.NextHistory(); ok {
		t.Error("loaded history must not re-enter the outbound queue")
	}
	block, _ := m.RecentBlock(5)
	if !strings.Contains(block, "restored question from before") {
		t.Errorf("loaded utterance missing from recent block:\n%s", block)
	}
}

func TestLoadHistory_SkipsKnownUtterances(t *testing.T) {
	t.Parallel()
	m := transcript.NewMemory(transcript.MemoryConfig{})

	// The live transcript already holds the utterance the store is about
	// to replay.
	committed := m.Commit(transcript.Utterance{
		Speaker: transcript.SpeakerInterviewer, Text: "the live question", Timestamp: time.Now(),
	})

	history := []transcript.Utterance{
		committed,
		{Speaker: transcript.SpeakerInterviewee, Text: "a persisted reply", Timestamp: time.Now(), CorrelationID: "corr-new"},
	}
	m.LoadHistory(history)
	m.LoadHistory(history) // a second reconnect replays the same history

	block, _ := m.RecentBlock(20)
	if got := strings.Count(block, "the live question"); got != 1 {
		t.Errorf("live utterance appears %d times, want 1:\n%s", got, block)
	}
	if got := strings.Count(block, "a persisted reply"); got != 1 {
		t.Errorf("replayed utterance appears %d times, want 1:\n%s", got, block)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("w ", 100) // ~50 estimated tokens

	t.Run("folds discarded content into the summary", func(t *testing.T) {
		sum := &fakeSummariser{result: "they discussed goroutines"}
		m := transcript.NewMemory(transcript.MemoryConfig{TokenLimit: 60, Summariser: sum})

		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: longText})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: longText})
		m.Prune(context.Background())

		if got := m.EstimatedTokens(); got > 60 {
			t.Errorf("EstimatedTokens = %d after prune, want <= 60", got)
		}
		if len(sum.calls) != 1 {
			t.Fatalf("summariser calls = %d, want 1", len(sum.calls))
		}
		if !strings.Contains(m.Summary(), "they discussed goroutines") {
			t.Errorf("summary missing folded content:\n%s", m.Summary())
		}
	})

	t.Run("under the ceiling is a no-op", func(t *testing.T) {
		sum := &fakeSummariser{result: "unused"}
		m := transcript.NewMemory(transcript.MemoryConfig{TokenLimit: 1000, Summariser: sum})

		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: "a short question"})
		m.Prune(context.Background())

		if len(sum.calls) != 0 {
			t.Errorf("summariser calls = %d, want 0", len(sum.calls))
		}
	})

	t.Run("summariser failure keeps the transcript usable", func(t *testing.T) {
		sum := &fakeSummariser{err: errors.New("llm down")}
		m := transcript.NewMemory(transcript.MemoryConfig{TokenLimit: 60, Summariser: sum})

		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: longText})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: longText})
		m.Prune(context.Background())

		if strings.Contains(m.Summary(), "llm down") {
			t.Error("failed summarisation must not leak into the summary")
		}
	})

	t.Run("nil summariser discards silently", func(t *testing.T) {
		m := transcript.NewMemory(transcript.MemoryConfig{TokenLimit: 60})

		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewer, Text: longText})
		m.Commit(transcript.Utterance{Speaker: transcript.SpeakerInterviewee, Text: longText})
		m.Prune(context.Background())

		if got := m.EstimatedTokens(); got > 60 {
			t.Errorf("EstimatedTokens = %d after prune, want <= 60", got)
		}
	})
}

func TestGeneratorSummariser(t *testing.T) {
	t.Parallel()

	t.Run("empty segment yields empty summary", func(t *testing.T) {
		s := transcript.NewGeneratorSummariser(nil)
		out, err := s.Summarise(context.Background(), nil)
		if err != nil || out != "" {
			t.Errorf("got (%q, %v), want empty, nil", out, err)
		}
	})
}
