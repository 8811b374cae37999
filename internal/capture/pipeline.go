// Package capture runs the microphone pipeline: raw frames are tapped for
// visualization, gated against background noise, encoded to PCM16, and
// handed to whichever sink is currently attached.
package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/torontoair/dispatch/internal/audio"
	"github.com/torontoair/dispatch/internal/device"
)

// Sink receives one encoded frame per device callback. Frame cadence is
// constant whether or not the gate suppressed the content.
type Sink func(pcm []byte)

// Pipeline owns one input device. Sensitivity and the sink can be swapped
// at any time without pausing capture.
type Pipeline struct {
	in   device.Input
	gate *audio.Gate

	sensitivity atomic.Uint64 // math.Float64bits
	sink        atomic.Pointer[Sink]

	mu  sync.Mutex
	tap func([]float32)
}

func NewPipeline(in device.Input, gate *audio.Gate) *Pipeline {
	p := &Pipeline{in: in, gate: gate}
	p.SetSensitivity(1)
	return p
}

// SetSensitivity adjusts the noise gate, 0 (max suppression) to 1 (pass
// everything). Takes effect on the next frame.
func (p *Pipeline) SetSensitivity(s float64) {
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	p.sensitivity.Store(math.Float64bits(s))
}

func (p *Pipeline) Sensitivity() float64 {
	return math.Float64frombits(p.sensitivity.Load())
}

// SetSink attaches the downstream consumer. A nil sink drops frames
// silently while capture keeps running.
func (p *Pipeline) SetSink(s Sink) {
	if s == nil {
		p.sink.Store(nil)
		return
	}
	p.sink.Store(&s)
}

// SetTap registers a callback that sees every raw frame before gating,
// for the input visualizer.
func (p *Pipeline) SetTap(fn func([]float32)) {
	p.mu.Lock()
	p.tap = fn
	p.mu.Unlock()
}

func (p *Pipeline) Start() error { return p.in.Start(p.onFrame) }

func (p *Pipeline) Stop() error { return p.in.Stop() }

func (p *Pipeline) onFrame(frame []float32) {
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap != nil {
		tap(frame)
	}

	p.gate.Apply(frame, p.Sensitivity())

	sink := p.sink.Load()
	if sink == nil {
		return
	}
	(*sink)(audio.EncodePCM16(frame))
}
