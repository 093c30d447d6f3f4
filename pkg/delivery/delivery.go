// Package delivery defines the outbound event interface between the
// session engine and connected clients. The engine is transport-agnostic:
// it emits typed events to a room (one room per session) and an Emitter
// implementation fans them out to whatever sockets are joined to it.
package delivery

// Topic names the kind of event being emitted.
type Topic string

const (
	// TopicReady reports whether the session is fully wired and able to
	// accept audio. Payload: bool.
	TopicReady Topic = "ready"

	// TopicRecognizerReady reports that the recognition stream is open.
	// Payload: bool.
	TopicRecognizerReady Topic = "recognizer_ready"

	// TopicBusyStatus reports whether the responder is generating.
	// Payload: bool.
	TopicBusyStatus Topic = "busy_status"

	// TopicCoachBusyStatus reports whether the coach is generating.
	// Payload: bool.
	TopicCoachBusyStatus Topic = "coach_busy_status"

	// TopicChatHistory carries a committed utterance to render in the
	// conversation view. Payload: transcript.Utterance.
	TopicChatHistory Topic = "chat_history"

	// TopicChatPersisted confirms that an utterance reached durable
	// storage. Payload: correlation ID string.
	TopicChatPersisted Topic = "chat_persisted"

	// TopicStreamingInterviewer carries novel interviewer speech fragments
	// as they are recognised. Payload: string.
	TopicStreamingInterviewer Topic = "streaming_interviewer"

	// TopicStreamingInterviewee carries novel interviewee speech fragments
	// as they are recognised. Payload: string.
	TopicStreamingInterviewee Topic = "streaming_interviewee"

	// TopicForceTermination warns the client that the session is about to
	// be terminated server-side. Payload: reason string.
	TopicForceTermination Topic = "force_termination"
)

// Emitter delivers events to all clients joined to a room.
//
// Emit must not block on slow clients; implementations buffer or drop.
// Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(room string, topic Topic, payload any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(room string, topic Topic, payload any)

// Emit calls f(room, topic, payload).
func (f EmitterFunc) Emit(room string, topic Topic, payload any) {
	f(room, topic, payload)
}
