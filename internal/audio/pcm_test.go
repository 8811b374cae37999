package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 0.123, -0.987, 0.0001}

	decoded, err := DecodePCM16(EncodePCM16(samples))
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i := range samples {
		diff := math.Abs(float64(decoded[i]) - float64(samples[i]))
		if diff > 1.0/32768 {
			t.Fatalf("sample %d: decoded %v, want %v (diff %v)", i, decoded[i], samples[i], diff)
		}
	}
}

func TestRoundTripIsIdempotent(t *testing.T) {
	samples := []float32{0.9, -0.3, 1, -1, 0.00004}

	first := EncodePCM16(samples)
	decoded, err := DecodePCM16(first)
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	second := EncodePCM16(decoded)
	if !bytes.Equal(first, second) {
		t.Fatalf("second encode differs from first:\n%v\n%v", first, second)
	}
}

func TestEncodeClampsOutOfRange(t *testing.T) {
	data := EncodePCM16([]float32{2.0, -3.5})
	decoded, err := DecodePCM16(data)
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if decoded[0] != 1 || decoded[1] != -1 {
		t.Fatalf("decoded = %v, want clamp to [1, -1]", decoded)
	}
}

func TestDecodeOddLengthIsMalformed(t *testing.T) {
	if _, err := DecodePCM16([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrMalformedAudio) {
		t.Fatalf("DecodePCM16(odd) error = %v, want ErrMalformedAudio", err)
	}
}

func TestTransportEncoding(t *testing.T) {
	raw := []byte{0x00, 0x7f, 0xff, 0x10}
	got, err := DecodeTransport(EncodeTransport(raw))
	if err != nil {
		t.Fatalf("DecodeTransport() error = %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("transport round-trip = %v, want %v", got, raw)
	}
}
