package audio

import "math"

// DefaultGateCeiling is the empirically tuned upper bound of the noise-gate
// threshold: the RMS level a frame must beat when sensitivity is zero.
const DefaultGateCeiling = 0.05

// Gate suppresses near-silent capture frames before transmission so the
// remote model is not fed room noise. This is plain energy gating, not
// spectral noise suppression: a loud hum passes, quiet speech below the
// threshold does not. Known limitation of the design.
type Gate struct {
	ceiling float64
}

// NewGate returns a gate with the given threshold ceiling. Non-positive
// ceilings fall back to DefaultGateCeiling.
func NewGate(ceiling float64) *Gate {
	if ceiling <= 0 {
		ceiling = DefaultGateCeiling
	}
	return &Gate{ceiling: ceiling}
}

// Threshold maps a sensitivity in [0, 1] to an RMS threshold.
// sensitivity 1 opens the gate fully (threshold 0); sensitivity 0 raises
// the threshold to the ceiling, suppressing most speech-level signals.
func (g *Gate) Threshold(sensitivity float64) float64 {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 1 {
		sensitivity = 1
	}
	return (1 - sensitivity) * g.ceiling
}

// Apply zeroes frame in place when its RMS energy falls below the
// sensitivity-derived threshold. The frame is still sent afterwards so the
// outbound cadence is preserved. Reports whether the frame was suppressed.
func (g *Gate) Apply(frame []float32, sensitivity float64) bool {
	if RMS(frame) >= g.Threshold(sensitivity) {
		return false
	}
	for i := range frame {
		frame[i] = 0
	}
	return true
}

// RMS returns the root-mean-square energy of a frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
