package live

import "encoding/json"

// Event is one decoded upstream occurrence. A single server envelope can
// fan out into several events, delivered in envelope order.
type Event interface {
	eventType() string
}

// AudioChunkEvent carries one decoded (base64-stripped) PCM16 chunk of
// model speech. SampleRate is the chunk's source rate from the inline-data
// mime type; the playback path resamples when the device rate differs.
type AudioChunkEvent struct {
	Data       []byte
	SampleRate int
}

func (AudioChunkEvent) eventType() string { return "audio_chunk" }

// ToolCallEvent is one structured function call from the model.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// InterruptedEvent means the caller spoke over the model; all queued
// playback is stale.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// TurnCompleteEvent marks the end of a spoken model turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// CallerTranscriptEvent carries incremental caller speech transcription.
type CallerTranscriptEvent struct {
	Text string
}

func (CallerTranscriptEvent) eventType() string { return "caller_transcript" }

// AgentTranscriptEvent carries incremental transcription of model speech.
type AgentTranscriptEvent struct {
	Text string
}

func (AgentTranscriptEvent) eventType() string { return "agent_transcript" }

// MalformedChunkEvent reports an inbound audio chunk that failed to decode.
// The chunk is dropped and the session stays up.
type MalformedChunkEvent struct {
	Err error
}

func (MalformedChunkEvent) eventType() string { return "malformed_chunk" }

// ClosedEvent is the final event on the channel. Err is nil on a clean
// remote close.
type ClosedEvent struct {
	Err error
}

func (ClosedEvent) eventType() string { return "closed" }

// UnknownEvent preserves envelopes this client does not interpret.
type UnknownEvent struct {
	Raw json.RawMessage
}

func (UnknownEvent) eventType() string { return "unknown" }

// EventName returns a stable label for an event, for logs and metrics.
func EventName(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventType()
}
