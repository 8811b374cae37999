package audio

import (
	"encoding/base64"
	"errors"
	"math"
)

// ErrMalformedAudio reports a PCM16 payload whose length is not a whole
// number of samples. Callers drop the chunk; the stream stays up.
var ErrMalformedAudio = errors.New("audio: malformed pcm16 payload")

// EncodePCM16 converts float samples in [-1, 1] to 16-bit little-endian
// signed PCM. Samples outside the range are clamped before scaling.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian signed PCM back to float
// samples. The 32767 divisor mirrors EncodePCM16 so a round-trip is exact
// for any encoded value.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, ErrMalformedAudio
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		out[i] = float32(v) / 32767
	}
	return out, nil
}

// EncodeTransport wraps raw audio bytes for embedding in text-based wire
// messages.
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTransport reverses EncodeTransport.
func DecodeTransport(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
