// Package recognizer defines the interface over a streaming speech
// recognition service. A recognizer accepts raw audio and emits
// speaker-tagged recognition events: low-latency interim hypotheses, stable
// partials, sentence-final results, and utterance-end boundary markers.
//
// The recognizer runs its own network-bound worker and may terminate
// independently of the owning session (provider closed the socket, idle
// drop); sessions detect this through the closing of the event channel and
// respawn the stream on the next client reconnect.
//
// Implementations must be safe for concurrent use.
package recognizer

import (
	"context"

	"github.com/intervox-ai/intervox/internal/transcript"
)

// Event is a single recognition result from the streaming service.
type Event struct {
	// Speaker identifies which conversation party produced the audio.
	Speaker transcript.Speaker

	// Text is the recognised text. Empty for utterance-end events.
	Text string

	// IsFinal marks a stable partial: the recognizer has committed to this
	// fragment and will not revise it, but the sentence may continue.
	IsFinal bool

	// SpeechFinal marks the end of a spoken sentence. The accumulated
	// sentence should be committed.
	SpeechFinal bool

	// IsUtteranceEnd marks an end-of-speech boundary detected without a
	// preceding SpeechFinal result. Used as a commit backstop.
	IsUtteranceEnd bool
}

// Config describes the audio format and recognition settings for a stream.
type Config struct {
	// SampleRate is the audio sample rate in Hz (e.g. 16000).
	SampleRate int

	// Channels is the number of audio channels. Two-channel streams map
	// channel 0 to the interviewer and channel 1 to the interviewee;
	// one-channel streams attribute everything to the interviewee.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	Language string

	// UtteranceEndMS is the silence gap, in milliseconds, after which the
	// service reports an utterance end. Zero uses the provider default.
	UtteranceEndMS int
}

// Stream is an open recognition stream.
//
// Callers must call Close when the stream is no longer needed; failing to
// do so leaks goroutines and network connections. The Events channel is
// closed when the stream terminates for any reason.
type Stream interface {
	// SendAudio delivers a chunk of raw audio bytes for recognition.
	// For two-channel configs the chunk is interleaved stereo PCM.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Events returns the stream of recognition events. The channel is
	// closed when the stream ends.
	Events() <-chan Event

	// Close terminates the stream and releases resources. Safe to call
	// more than once.
	Close() error
}

// Recognizer opens recognition streams against a speech-to-text backend.
type Recognizer interface {
	// Start opens a new streaming recognition session.
	Start(ctx context.Context, cfg Config) (Stream, error)
}
