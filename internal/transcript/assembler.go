package transcript

import (
	"strings"
	"sync"
	"time"
)

// PreviewFunc receives the novel portion of an interim recognizer result for
// low-latency display. Previews are never committed to the transcript.
type PreviewFunc func(speaker Speaker, text string)

// CommitFunc receives each completed utterance from the assembler.
type CommitFunc func(u Utterance)

// Assembler turns a stream of speaker-tagged, possibly overlapping partial
// recognizer updates into committed utterances.
//
// Recognizers re-send overlapping windows of text as they refine their
// hypothesis. The assembler deduplicates interim results so each fragment is
// previewed at most once, accumulates stable fragments into a per-speaker
// temp sentence, and commits the full sentence when the recognizer signals
// the end of speech (or when an utterance-boundary backstop fires).
//
// All methods are safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	states  map[Speaker]*speakerState
	preview PreviewFunc
	commit  CommitFunc
	now     func() time.Time
}

// speakerState holds per-speaker stitching state.
type speakerState struct {
	// temp accumulates stable fragments until the sentence is committed.
	temp strings.Builder

	// interim is the last interim text seen, used for overlap matching.
	interim string
}

// NewAssembler creates an Assembler that reports previews to preview (may be
// nil) and completed utterances to commit (must not be nil).
func NewAssembler(preview PreviewFunc, commit CommitFunc) *Assembler {
	return &Assembler{
		states:  make(map[Speaker]*speakerState),
		preview: preview,
		commit:  commit,
		now:     time.Now,
	}
}

// OnPartial processes an interim recognizer result. Only the suffix of text
// that has not already been previewed for this speaker is emitted. When
// stable is true the recognizer has committed to this hypothesis and the text
// is also appended to the speaker's temp sentence.
//
// Overlap resolution, in order:
//  1. text extends the previous interim → emit the extension.
//  2. back-overlap: the longest suffix of the previous interim equal to a
//     prefix of text (case-insensitive) → emit the remainder.
//  3. front-overlap: text is a shrinking repeat of the previous interim →
//     emit nothing.
//  4. no overlap at all → the whole text is novel.
func (a *Assembler) OnPartial(speaker Speaker, text string, stable bool) {
	if strings.TrimSpace(text) == "" {
		return
	}

	a.mu.Lock()
	st := a.state(speaker)
	novel := st.novelSuffix(text)
	if stable {
		if st.temp.Len() > 0 {
			st.temp.WriteString(" ")
		}
		st.temp.WriteString(text)
	}
	preview := a.preview
	a.mu.Unlock()

	if preview != nil && novel != "" {
		preview(speaker, novel)
	}
}

// OnFinal processes a final recognizer result: text is appended to the
// speaker's temp sentence and the accumulated sentence is committed as one
// utterance. Per-speaker stitching state is reset.
func (a *Assembler) OnFinal(speaker Speaker, text string) {
	a.mu.Lock()
	st := a.state(speaker)
	if strings.TrimSpace(text) != "" {
		if st.temp.Len() > 0 {
			st.temp.WriteString(" ")
		}
		st.temp.WriteString(text)
	}
	u, ok := a.takeLocked(speaker, st)
	a.mu.Unlock()

	if ok {
		a.commit(u)
	}
}

// OnUtteranceBoundary commits the speaker's temp sentence if non-empty. This
// is the correctness backstop for speech gaps the recognizer never flags as
// final (e.g. the speaker trails off and the connection goes quiet).
func (a *Assembler) OnUtteranceBoundary(speaker Speaker) {
	a.mu.Lock()
	st := a.state(speaker)
	u, ok := a.takeLocked(speaker, st)
	a.mu.Unlock()

	if ok {
		a.commit(u)
	}
}

// Reset clears all stitching state for the speaker without committing.
// Used when the client explicitly restarts a sentence.
func (a *Assembler) Reset(speaker Speaker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state(speaker)
	st.temp.Reset()
	st.interim = ""
}

// state returns the per-speaker state, creating it on first use.
// Must be called with a.mu held.
func (a *Assembler) state(speaker Speaker) *speakerState {
	st, ok := a.states[speaker]
	if !ok {
		st = &speakerState{}
		a.states[speaker] = st
	}
	return st
}

// takeLocked drains the temp sentence into an utterance and resets state.
// Returns ok=false when the buffer holds only whitespace — empty transcripts
// are never committed. Must be called with a.mu held.
func (a *Assembler) takeLocked(speaker Speaker, st *speakerState) (Utterance, bool) {
	text := strings.TrimSpace(st.temp.String())
	st.temp.Reset()
	st.interim = ""
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{
		Speaker:   speaker,
		Text:      text,
		Timestamp: a.now(),
	}, true
}

// novelSuffix computes the portion of text not already previewed and updates
// the interim state.
func (st *speakerState) novelSuffix(text string) string {
	prev := st.interim

	// Fast path: the new hypothesis extends the previous one verbatim.
	if len(prev) < len(text) && strings.EqualFold(prev, text[:len(prev)]) {
		st.interim = text
		return strings.TrimRight(text[len(prev):], " ")
	}

	// Back-overlap: a suffix of prev re-appears as the prefix of text, e.g.
	// prev "hi how are you doing my homie", text "my homie? I'am".
	if n := backOverlap(prev, text); n > 0 {
		st.interim = text
		return strings.TrimRight(text[n:], " ")
	}

	// Front-overlap: text is a wholly-contained repeat of prev, e.g. prev
	// "hi how are you doing", text "hi how are". Nothing new to show.
	if frontOverlap(text, prev) > 0 {
		return ""
	}

	// No overlap found: treat the entire new text as novel rather than
	// silently dropping it.
	st.interim = text
	return text
}

// backOverlap returns the length of the longest suffix of prev that equals a
// prefix of text, compared case-insensitively.
func backOverlap(prev, text string) int {
	prev = strings.ToLower(prev)
	text = strings.ToLower(text)
	maxLen := min(len(prev), len(text))
	overlap := 0
	for i := 1; i <= maxLen; i++ {
		if prev[len(prev)-i:] == text[:i] {
			overlap = i
		}
	}
	return overlap
}

// frontOverlap returns the length of the longest common prefix of a and b,
// compared case-insensitively.
func frontOverlap(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	maxLen := min(len(a), len(b))
	overlap := 0
	for i := 1; i <= maxLen; i++ {
		if a[:i] == b[:i] {
			overlap = i
		}
	}
	return overlap
}
