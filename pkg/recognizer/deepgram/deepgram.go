// Package deepgram provides a Deepgram-backed implementation of
// [recognizer.Recognizer] using the Deepgram streaming WebSocket API.
//
// The adapter supports rotation over a pool of API keys: each new stream
// picks the next key round-robin, spreading concurrent interview load over
// several Deepgram projects.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/intervox-ai/intervox/internal/transcript"
	"github.com/intervox-ai/intervox/pkg/recognizer"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000

	// defaultUtteranceEndMS is the silence gap after which Deepgram emits
	// an UtteranceEnd event when the config does not specify one.
	defaultUtteranceEndMS = 1000
)

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithEndpointing sets the endpointing silence threshold in milliseconds.
// Zero leaves Deepgram's default in place.
func WithEndpointing(ms int) Option {
	return func(r *Recognizer) {
		r.endpointing = ms
	}
}

// Recognizer implements [recognizer.Recognizer] backed by the Deepgram
// streaming API.
type Recognizer struct {
	apiKeys     []string
	model       string
	endpointing int

	next atomic.Uint64
}

// New creates a new Deepgram Recognizer. At least one API key is required;
// additional keys are used round-robin across streams.
func New(apiKeys []string, opts ...Option) (*Recognizer, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("deepgram: at least one API key is required")
	}
	for i, k := range apiKeys {
		if k == "" {
			return nil, fmt.Errorf("deepgram: API key %d is empty", i)
		}
	}
	r := &Recognizer{
		apiKeys: apiKeys,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens a streaming recognition session with Deepgram.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	key := r.apiKeys[r.next.Add(1)%uint64(len(r.apiKeys))]
	headers := http.Header{}
	headers.Set("Authorization", "Token "+key)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &stream{
		conn:          conn,
		singleSpeaker: cfg.Channels < 2,
		events:        make(chan recognizer.Event, 64),
		audio:         make(chan []byte, 256),
		done:          make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg recognizer.Config) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	ueMS := cfg.UtteranceEndMS
	if ueMS == 0 {
		ueMS = defaultUtteranceEndMS
	}

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(ueMS))
	if channels > 1 {
		q.Set("multichannel", "true")
	}
	if r.endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(r.endpointing))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramResponse is the JSON structure of a Deepgram WebSocket message.
// Results messages carry transcripts; UtteranceEnd messages carry only a
// channel index.
type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	ChannelIndex []int  `json:"channel_index"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	// LastWordEnd is set on UtteranceEnd messages.
	LastWordEnd float64 `json:"last_word_end"`
}

// stream is a live Deepgram streaming session. It implements
// [recognizer.Stream].
type stream struct {
	conn          *websocket.Conn
	singleSpeaker bool
	events        chan recognizer.Event
	audio         chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

// Events returns the channel of recognition events.
func (s *stream) Events() <-chan recognizer.Event { return s.events }

// Close terminates the stream cleanly.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before tearing down.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them as
// recognition events. The events channel is closed when the socket ends,
// which is how owning sessions observe an independent stream death.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close, idle drop, or context cancellation.
			return
		}

		ev, ok := s.parseMessage(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// parseMessage parses a raw Deepgram WebSocket message into an Event.
// Returns (zero, false) for messages that should be ignored.
func (s *stream) parseMessage(data []byte) (recognizer.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Event{}, false
	}

	speaker := s.speakerFor(resp.ChannelIndex)

	switch resp.Type {
	case "UtteranceEnd":
		return recognizer.Event{
			Speaker:        speaker,
			IsUtteranceEnd: true,
		}, true
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return recognizer.Event{}, false
		}
		text := resp.Channel.Alternatives[0].Transcript
		if text == "" && !resp.SpeechFinal {
			return recognizer.Event{}, false
		}
		return recognizer.Event{
			Speaker:     speaker,
			Text:        text,
			IsFinal:     resp.IsFinal,
			SpeechFinal: resp.SpeechFinal,
		}, true
	default:
		return recognizer.Event{}, false
	}
}

// speakerFor maps a Deepgram channel index to a conversation speaker.
// Channel 0 carries system audio (the interviewer); channel 1 carries the
// microphone (the interviewee). Single-channel streams are microphone only.
func (s *stream) speakerFor(channelIndex []int) transcript.Speaker {
	if s.singleSpeaker {
		return transcript.SpeakerInterviewee
	}
	if len(channelIndex) > 0 && channelIndex[0] == 0 {
		return transcript.SpeakerInterviewer
	}
	return transcript.SpeakerInterviewee
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
var _ recognizer.Stream = (*stream)(nil)
