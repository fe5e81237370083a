package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

func TestRing_LevelNormalized(t *testing.T) {
	r := NewRing(4)
	if got := r.Level(); got != 0 {
		t.Fatalf("empty ring level = %v, want 0", got)
	}
	r.Write([]int16{16384, -16384, 16384, -16384})
	got := r.Level()
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("level = %v, want 0.5", got)
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing(2)
	r.Write([]int16{32767, 32767})
	r.Write([]int16{0, 0})
	if got := r.Level(); got != 0 {
		t.Fatalf("level after overwrite = %v, want 0", got)
	}
}

func TestCaptureSession_SampleAfterClose(t *testing.T) {
	s := NewCaptureSession(8)
	s.Push(pcmBytes([]int16{1000, -1000, 1000, -1000}))
	if _, err := s.Sample(); err != nil {
		t.Fatalf("sample on open session: %v", err)
	}
	s.Close()
	s.Close() // idempotent
	if _, err := s.Sample(); err != ErrCaptureUnavailable {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
	// pushes after close are dropped, not panicking
	s.Push(pcmBytes([]int16{1, 2}))
}

func TestCaptureSession_LoudnessTracksInput(t *testing.T) {
	s := NewCaptureSession(4)
	s.Push(pcmBytes([]int16{0, 0, 0, 0}))
	quiet, err := s.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	s.Push(pcmBytes([]int16{20000, -20000, 20000, -20000}))
	loud, err := s.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if loud <= quiet {
		t.Fatalf("expected loud (%v) > quiet (%v)", loud, quiet)
	}
	if loud < 0 || loud > 1 {
		t.Fatalf("level out of range: %v", loud)
	}
}
