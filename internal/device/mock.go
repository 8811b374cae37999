package device

import (
	"fmt"
	"sync"
)

// MockProvider hands out in-memory devices for tests and can be told to
// fail input acquisition to simulate a denied microphone.
type MockProvider struct {
	mu         sync.Mutex
	DenyInput  bool
	DenyOutput bool
	LastInput  *MockInput
	LastOutput *MockOutput
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) OpenInput(sampleRate, frameSize int) (Input, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DenyInput {
		return nil, fmt.Errorf("%w: denied by test", ErrMicrophoneUnavailable)
	}
	in := &MockInput{frameSize: frameSize}
	p.LastInput = in
	return in, nil
}

func (p *MockProvider) OpenOutput(sampleRate int) (Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DenyOutput {
		return nil, fmt.Errorf("output denied by test")
	}
	out := &MockOutput{rate: sampleRate}
	p.LastOutput = out
	return out, nil
}

// MockInput delivers frames only when the test pushes them.
type MockInput struct {
	mu        sync.Mutex
	frameSize int
	onFrame   func([]float32)
	started   bool
	stopped   bool
}

func (in *MockInput) Start(onFrame func(frame []float32)) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onFrame = onFrame
	in.started = true
	return nil
}

func (in *MockInput) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onFrame = nil
	in.stopped = true
	return nil
}

// PushFrame feeds one capture frame through the registered callback, as the
// hardware cadence would.
func (in *MockInput) PushFrame(frame []float32) {
	in.mu.Lock()
	cb := in.onFrame
	in.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

func (in *MockInput) Stopped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopped
}

// MockOutput renders only when the test pumps it, giving tests a
// hand-cranked device clock.
type MockOutput struct {
	mu      sync.Mutex
	rate    int
	render  func([]float32)
	started bool
	stopped bool
}

func (out *MockOutput) SampleRate() int { return out.rate }

func (out *MockOutput) Start(render func(out []float32)) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.render = render
	out.started = true
	return nil
}

func (out *MockOutput) Stop() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	out.render = nil
	out.stopped = true
	return nil
}

// Pump renders n samples through the registered callback and returns them,
// advancing the scheduler clock by n/rate seconds.
func (out *MockOutput) Pump(n int) []float32 {
	out.mu.Lock()
	render := out.render
	out.mu.Unlock()
	buf := make([]float32, n)
	if render != nil {
		render(buf)
	}
	return buf
}

func (out *MockOutput) Stopped() bool {
	out.mu.Lock()
	defer out.mu.Unlock()
	return out.stopped
}
