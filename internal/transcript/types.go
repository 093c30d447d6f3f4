// Package transcript provides the conversation-assembly core of Intervox:
// speaker-attributed utterance types, the incremental sentence assembler that
// stitches streaming recognizer output into committed utterances, and the
// transcript memory that holds conversation state and decides when an AI
// response is due.
//
// All exported types are safe for concurrent use unless noted otherwise.
package transcript

import (
	"strings"
	"time"
	"unicode"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	// SpeakerInterviewer is the remote party asking questions.
	SpeakerInterviewer Speaker = "interviewer"

	// SpeakerInterviewee is the local user being interviewed.
	SpeakerInterviewee Speaker = "interviewee"

	// SpeakerAI is the copilot responding to the interviewer's questions.
	SpeakerAI Speaker = "ai"

	// SpeakerAICoach is the coach commenting on the interviewee's answers.
	SpeakerAICoach Speaker = "ai_coach"

	// SpeakerImageContext carries OCR/vision context injected by the client.
	SpeakerImageContext Speaker = "image_context"
)

// IsValid reports whether s is a recognised speaker.
func (s Speaker) IsValid() bool {
	switch s {
	case SpeakerInterviewer, SpeakerInterviewee, SpeakerAI, SpeakerAICoach, SpeakerImageContext:
		return true
	}
	return false
}

// IsHuman reports whether s is one of the two live conversation parties.
// Only human utterances may set response triggers.
func (s Speaker) IsHuman() bool {
	return s == SpeakerInterviewer || s == SpeakerInterviewee
}

// Utterance is one committed, speaker-attributed unit of transcript text.
// Utterances are immutable once committed.
type Utterance struct {
	// Speaker identifies who produced the text.
	Speaker Speaker `json:"speaker"`

	// Text is the utterance content.
	Text string `json:"text"`

	// Timestamp records when the utterance was committed.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID ties an AI response back to the human utterance that
	// prompted it. Assigned at commit time.
	CorrelationID string `json:"correlation_id"`
}

// ContentLength measures an utterance's text for the minimum-length trigger
// filter. Punctuation is stripped first. For space-delimited languages the
// measure is the word count; for logographic languages it is the rune count.
func ContentLength(text string, logographic bool) int {
	if logographic {
		n := 0
		for _, r := range text {
			if !unicode.IsPunct(r) && !unicode.IsSpace(r) {
				n++
			}
		}
		return n
	}
	var sb strings.Builder
	for _, r := range text {
		if !unicode.IsPunct(r) {
			sb.WriteRune(r)
		}
	}
	return len(strings.Fields(sb.String()))
}
