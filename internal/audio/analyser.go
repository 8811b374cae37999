package audio

import (
	"math"
	"sync"
)

const (
	// DefaultAnalyserBins matches the frequency resolution the waveform
	// renderer was tuned against.
	DefaultAnalyserBins = 256

	// DefaultAnalyserSmoothing is the exponential smoothing factor applied
	// between snapshots. Tuned empirically; treat as a knob, not a law.
	DefaultAnalyserSmoothing = 0.8
)

// Analyser is a read-only tap on the rendered output signal. The playback
// path pushes every block it renders; the UI side asks for a smoothed
// spectrum snapshot at animation rate. Pushing never blocks on snapshot
// consumers and snapshotting never disturbs audio timing.
type Analyser struct {
	mu        sync.Mutex
	ring      []float32 // most recent fftSize rendered samples
	pos       int
	filled    bool
	bins      []float64 // smoothed magnitudes, one per frequency bin
	smoothing float64
	window    []float64 // Hann
}

// NewAnalyser returns an analyser producing the given number of frequency
// bins. bins must be a power of two; invalid values fall back to
// DefaultAnalyserBins. smoothing outside (0, 1) falls back to the default.
func NewAnalyser(bins int, smoothing float64) *Analyser {
	if bins <= 0 || bins&(bins-1) != 0 {
		bins = DefaultAnalyserBins
	}
	if smoothing <= 0 || smoothing >= 1 {
		smoothing = DefaultAnalyserSmoothing
	}
	fftSize := bins * 2
	window := make([]float64, fftSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
	return &Analyser{
		ring:      make([]float32, fftSize),
		bins:      make([]float64, bins),
		smoothing: smoothing,
		window:    window,
	}
}

// Push appends rendered output samples to the analysis window. Called from
// the render path; must stay cheap.
func (a *Analyser) Push(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
			a.filled = true
		}
	}
}

// Snapshot recomputes the smoothed magnitude spectrum from the current
// window and returns a copy of the bins, each normalized so a full-scale
// sine concentrates near 1.0 in its bin.
func (a *Analyser) Snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	re := make([]float64, n)
	im := make([]float64, n)
	// Unroll the ring so re[0] is the oldest sample.
	start := a.pos
	if !a.filled {
		start = 0
	}
	for i := 0; i < n; i++ {
		re[i] = float64(a.ring[(start+i)%n]) * a.window[i]
	}
	fft(re, im)

	// Hann halves the coherent gain, hence 4/n instead of 2/n.
	scale := 4 / float64(n)
	for i := range a.bins {
		mag := math.Hypot(re[i], im[i]) * scale
		a.bins[i] = a.smoothing*a.bins[i] + (1-a.smoothing)*mag
	}
	out := make([]float64, len(a.bins))
	copy(out, a.bins)
	return out
}

// Volume reduces a fresh snapshot to the single scalar the waveform
// renderer consumes: the mean magnitude across all bins, clamped to [0, 1].
func (a *Analyser) Volume() float64 {
	bins := a.Snapshot()
	var sum float64
	for _, b := range bins {
		sum += b
	}
	v := sum / float64(len(bins))
	if v > 1 {
		v = 1
	}
	return v
}

// Reset clears the window and smoothed bins so the reported volume drops
// to zero immediately when the signal stops, instead of decaying.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.bins {
		a.bins[i] = 0
	}
	a.pos = 0
	a.filled = false
}

// fft performs an in-place iterative radix-2 transform over re/im, whose
// length must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		half := length / 2
		for start := 0; start < n; start += length {
			for k := 0; k < half; k++ {
				c := math.Cos(ang * float64(k))
				s := math.Sin(ang * float64(k))
				bRe := re[start+k+half]*c - im[start+k+half]*s
				bIm := re[start+k+half]*s + im[start+k+half]*c
				re[start+k+half] = re[start+k] - bRe
				im[start+k+half] = im[start+k] - bIm
				re[start+k] += bRe
				im[start+k] += bIm
			}
		}
	}
}
