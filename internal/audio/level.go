package audio

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrCaptureUnavailable is returned when a loudness sample is requested while
// no capture session is open.
var ErrCaptureUnavailable = errors.New("audio: no capture session open")

// DefaultAnalysisSize is the number of PCM16 samples held for level analysis.
// 2048 samples is 128ms at 16kHz, enough to smooth a 50ms sampling cadence.
const DefaultAnalysisSize = 2048

// Ring stores 16-bit PCM samples in a fixed-size circular buffer.
type Ring struct {
	mu       sync.Mutex
	buf      []int16
	writePos int
	filled   int
}

// NewRing creates a ring holding n samples.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = DefaultAnalysisSize
	}
	return &Ring{buf: make([]int16, n)}
}

// Write appends samples, overwriting the oldest when full.
func (r *Ring) Write(samples []int16) {
	r.mu.Lock()
	for _, s := range samples {
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.buf)
		if r.filled < len(r.buf) {
			r.filled++
		}
	}
	r.mu.Unlock()
}

// WritePCM16LE appends little-endian PCM16 bytes.
func (r *Ring) WritePCM16LE(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	r.Write(samples)
}

// Level returns the mean absolute magnitude of the buffered samples
// normalized to 0.0-1.0 against int16 full scale. An unfilled ring only
// averages over the samples written so far.
func (r *Ring) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		v := float64(r.buf[i])
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(r.filled) / 32768.0
}

// CaptureSession owns the capture and analysis handles for one
// listening lifecycle. The analysis ring is derived from the capture feed
// and is released together with it on Close.
type CaptureSession struct {
	mu   sync.Mutex
	ring *Ring
	open bool
}

// NewCaptureSession opens a session with an analysis ring of n samples.
func NewCaptureSession(n int) *CaptureSession {
	return &CaptureSession{ring: NewRing(n), open: true}
}

// Push ingests captured PCM16LE mic bytes into the analysis ring.
// Data arriving after Close is dropped.
func (s *CaptureSession) Push(pcm []byte) {
	s.mu.Lock()
	ring, open := s.ring, s.open
	s.mu.Unlock()
	if !open {
		return
	}
	ring.WritePCM16LE(pcm)
}

// Sample returns the current normalized loudness. It reads the analysis
// ring only and mutates nothing.
func (s *CaptureSession) Sample() (float64, error) {
	s.mu.Lock()
	ring, open := s.ring, s.open
	s.mu.Unlock()
	if !open {
		return 0, ErrCaptureUnavailable
	}
	return ring.Level(), nil
}

// Open reports whether the session still holds its handles.
func (s *CaptureSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close releases the capture and analysis handles. Idempotent.
func (s *CaptureSession) Close() {
	s.mu.Lock()
	s.open = false
	s.ring = nil
	s.mu.Unlock()
}
