// Package device abstracts the physical audio endpoints so the capture and
// playback pipelines can run against real hardware in production and
// in-memory fakes in tests.
package device

import "errors"

// ErrMicrophoneUnavailable reports that the input device could not be
// acquired: permission denied, no device present, or exclusive use elsewhere.
var ErrMicrophoneUnavailable = errors.New("device: microphone unavailable")

// Input delivers fixed-size mono float32 frames from a capture device at a
// fixed cadence. The frame slice passed to onFrame is reused between
// callbacks; consumers must finish with it before returning.
type Input interface {
	Start(onFrame func(frame []float32)) error
	Stop() error
}

// Output pulls mono float32 sample blocks from render and plays them. The
// renderer owns the device clock: every call advances it by len(out)
// samples.
type Output interface {
	Start(render func(out []float32)) error
	SampleRate() int
	Stop() error
}

// Provider opens audio devices. Exactly one input and one output may be
// open at a time; the session state machine enforces this by gating
// connect() on the idle phase.
type Provider interface {
	OpenInput(sampleRate, frameSize int) (Input, error)
	OpenOutput(sampleRate int) (Output, error)
}
