package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// ErrClosed is returned to Play completions issued after Close.
var ErrClosed = errors.New("playback: controller closed")

const (
	outSampleRate = 48000
	frameSamples  = 960 // 20ms at 48kHz mono
	frameBytes    = frameSamples * 2
)

// Engine is the reusable underlying playback device. The controller feeds
// it 48kHz mono PCM16LE in 20ms frames.
type Engine interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
	Close()
}

// Controller plays one MP3 payload at a time through a lazily acquired,
// reused Engine, and notifies the caller exactly once per Play when
// playback ends, whether it finished naturally, failed, or was stopped.
type Controller struct {
	acquire func() (Engine, error)

	mu     sync.Mutex
	engine Engine
	cancel chan struct{}
	closed bool
}

// NewController creates a controller. The engine is not acquired until the
// first Play.
func NewController(acquire func() (Engine, error)) *Controller {
	return &Controller{acquire: acquire}
}

// Play stops any in-flight payload, decodes the MP3 payload and plays it.
// done is invoked exactly once: nil on natural end or Stop, an error on
// decode/engine failure. A nil done is allowed.
func (c *Controller) Play(payload []byte, done func(err error)) {
	c.play(payload, done, DecodeMP3To48kMono)
}

// PlayPCM48 plays a raw 48kHz mono PCM16LE payload with the same
// stop/completion contract as Play.
func (c *Controller) PlayPCM48(pcm []byte, done func(err error)) {
	c.play(pcm, done, func(b []byte) ([]byte, error) { return b, nil })
}

func (c *Controller) play(payload []byte, done func(err error), decode func([]byte) ([]byte, error)) {
	if done == nil {
		done = func(error) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(ErrClosed)
		return
	}
	if c.cancel != nil {
		close(c.cancel)
		c.cancel = nil
	}
	if len(payload) == 0 {
		// nothing to play; do not touch the engine
		c.mu.Unlock()
		done(nil)
		return
	}
	if c.engine == nil {
		eng, err := c.acquire()
		if err != nil {
			c.mu.Unlock()
			done(fmt.Errorf("playback: acquire engine: %w", err))
			return
		}
		c.engine = eng
	}
	eng := c.engine
	c.mu.Unlock()

	pcm, err := decode(payload)
	if err != nil {
		done(fmt.Errorf("playback: decode: %w", err))
		return
	}

	cancel := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(ErrClosed)
		return
	}
	c.cancel = cancel
	c.mu.Unlock()

	eng.Reset()
	go c.playLoop(eng, pcm, cancel, done)
}

// playLoop pushes 20ms frames at realtime pace so a Stop takes effect
// within one frame and the completion callback fires close to the moment
// the last audio leaves the engine.
func (c *Controller) playLoop(eng Engine, pcm []byte, cancel <-chan struct{}, done func(error)) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		select {
		case <-cancel:
			done(nil)
			return
		case <-ticker.C:
			eng.WritePCM(pcm[off:end])
		}
	}
	eng.FlushTail()
	c.mu.Lock()
	if c.cancel == cancel {
		c.cancel = nil
	}
	c.mu.Unlock()
	done(nil)
}

// Stop halts the current payload immediately. The pending completion fires
// through the play goroutine; a payload that already completed is not
// notified again. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	eng := c.engine
	c.mu.Unlock()
	if cancel != nil {
		close(cancel)
	}
	if eng != nil {
		eng.Reset()
	}
}

// Close stops playback and releases the engine. Safe to call repeatedly.
func (c *Controller) Close() {
	c.Stop()
	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	c.closed = true
	c.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
}

// DecodeMP3To48kMono decodes an MP3 payload and converts it to 48kHz mono
// PCM16LE ready for the paced engine.
func DecodeMP3To48kMono(payload []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	mono := downmixStereo(raw)
	return Resample(mono, dec.SampleRate(), outSampleRate), nil
}

// downmixStereo averages the decoder's interleaved stereo output into mono
// samples. go-mp3 always emits 16-bit little-endian stereo.
func downmixStereo(raw []byte) []int16 {
	n := len(raw) / 4
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		l := int16(uint16(raw[i*4]) | uint16(raw[i*4+1])<<8)
		r := int16(uint16(raw[i*4+2]) | uint16(raw[i*4+3])<<8)
		out[i] = int16((int32(l) + int32(r)) / 2)
	}
	return out
}

// Resample converts mono PCM16 between sample rates by linear
// interpolation and returns little-endian bytes.
func Resample(in []int16, fromRate, toRate int) []byte {
	if len(in) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]byte, len(in)*2)
		for i, s := range in {
			out[i*2] = byte(uint16(s))
			out[i*2+1] = byte(uint16(s) >> 8)
		}
		return out
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		srcPos := float64(i) * float64(fromRate) / float64(toRate)
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		var v float64
		if idx+1 < len(in) {
			v = float64(in[idx])*(1-frac) + float64(in[idx+1])*frac
		} else {
			v = float64(in[len(in)-1])
		}
		s := int16(v)
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
