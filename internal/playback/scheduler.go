// Package playback schedules decoded audio segments gaplessly onto an
// output device and tracks which segments are still live so a barge-in
// can silence all of them at once.
package playback

import (
	"sync"

	"github.com/torontoair/dispatch/internal/device"
)

type segment struct {
	samples []float32
	start   int64 // absolute sample index on the device clock
	pos     int
}

// Scheduler owns the output device clock. Time only advances inside the
// render callback, so every timestamp it hands out is anchored to samples
// actually delivered to the device.
type Scheduler struct {
	out  device.Output
	rate int

	mu        sync.Mutex
	clock     int64 // samples rendered so far
	nextStart int64 // where the next enqueued segment lands
	queue     []*segment
	playing   bool

	onDrain func()
	tap     func([]float32)
}

func NewScheduler(out device.Output) *Scheduler {
	return &Scheduler{out: out, rate: out.SampleRate()}
}

// Start begins driving the device. The device calls Render on its own
// cadence from here on.
func (s *Scheduler) Start() error { return s.out.Start(s.Render) }

func (s *Scheduler) Stop() error { return s.out.Stop() }

// SetDrainHook registers a callback fired when the last live segment has
// finished rendering. It runs on the render goroutine.
func (s *Scheduler) SetDrainHook(fn func()) {
	s.mu.Lock()
	s.onDrain = fn
	s.mu.Unlock()
}

// SetTap registers a callback that observes every rendered block, mixed
// output included, for visualization.
func (s *Scheduler) SetTap(fn func([]float32)) {
	s.mu.Lock()
	s.tap = fn
	s.mu.Unlock()
}

// Enqueue schedules samples to play at the later of the queue tail and the
// current clock, so consecutive segments abut with no gap and no overlap.
// It returns the scheduled start in seconds.
func (s *Scheduler) Enqueue(samples []float32, sampleRate int) float64 {
	if sampleRate != s.rate {
		samples = resampleLinear(samples, sampleRate, s.rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.nextStart
	if s.clock > start {
		start = s.clock
	}
	s.nextStart = start + int64(len(samples))
	if len(samples) > 0 {
		s.queue = append(s.queue, &segment{samples: samples, start: start})
		s.playing = true
	}
	return float64(start) / float64(s.rate)
}

// CancelAll drops every live segment and rewinds the queue tail to zero, so
// the next Enqueue schedules relative to the current clock alone. Calling it
// with nothing live is a no-op. It returns how many segments were dropped.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.nextStart = 0
	s.playing = false
	s.mu.Unlock()
	return n
}

// Now reports the device clock in seconds of audio rendered.
func (s *Scheduler) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.clock) / float64(s.rate)
}

// NextStart reports where the next segment would begin, in seconds.
func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.nextStart
	if s.clock > start {
		start = s.clock
	}
	return float64(start) / float64(s.rate)
}

// LiveCount reports how many segments are scheduled or mid-render.
func (s *Scheduler) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Render fills out with the mix of segments due in this block and advances
// the clock by its length. The device calls it from its own goroutine.
func (s *Scheduler) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	base := s.clock
	remaining := s.queue[:0]
	for _, seg := range s.queue {
		head := seg.start + int64(seg.pos)
		if head < base {
			skip := base - head
			if skip >= int64(len(seg.samples)-seg.pos) {
				continue
			}
			seg.pos += int(skip)
			head = base
		}
		off := head - base
		if off >= int64(len(out)) {
			remaining = append(remaining, seg)
			continue
		}
		n := copy(out[off:], seg.samples[seg.pos:])
		seg.pos += n
		if seg.pos < len(seg.samples) {
			remaining = append(remaining, seg)
		}
	}
	s.queue = remaining
	s.clock += int64(len(out))
	drained := s.playing && len(s.queue) == 0
	if drained {
		s.playing = false
	}
	onDrain := s.onDrain
	tap := s.tap
	s.mu.Unlock()

	if tap != nil {
		tap(out)
	}
	if drained && onDrain != nil {
		onDrain()
	}
}

// resampleLinear converts samples between rates by linear interpolation.
// Good enough for speech; the upstream already band-limits its output.
func resampleLinear(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
