package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteWAVToHeader(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.25, -0.25}
	pcm := EncodePCM16(samples)

	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, 8000); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := buf.Bytes()

	if len(data) != 44+len(pcm) {
		t.Fatalf("file is %d bytes, want %d", len(data), 44+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("bad container magic: % x", data[:12])
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if string(data[12:16]) != "fmt " {
		t.Fatalf("fmt chunk id = %q", data[12:16])
	}
	if got := binary.LittleEndian.Uint16(data[20:22]); got != 1 {
		t.Fatalf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Fatalf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 8000 {
		t.Fatalf("sample rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(data[28:32]); got != 16000 {
		t.Fatalf("byte rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(data[32:34]); got != 2 {
		t.Fatalf("block align = %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Fatalf("bits per sample = %d, want 16", got)
	}
	if string(data[36:40]) != "data" {
		t.Fatalf("data chunk id = %q", data[36:40])
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}

	decoded, err := DecodePCM16(data[44:])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	for i, s := range samples {
		if diff := decoded[i] - s; diff > 0.001 || diff < -0.001 {
			t.Fatalf("sample %d = %v, want %v", i, decoded[i], s)
		}
	}
}

func TestWriteWAVToDefaultsRate(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, []byte{0, 0}, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf.Bytes()[24:28]); got != 24000 {
		t.Fatalf("defaulted sample rate = %d, want 24000", got)
	}
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")
	pcm := EncodePCM16([]float32{0.1, 0.2, 0.3})

	if err := WriteWAVFile(path, pcm, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("file is %d bytes, want %d", len(data), 44+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
}
