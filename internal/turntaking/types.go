package turntaking

import (
	"fmt"
	"time"
)

// Segment is one transcription update, delivered in order. Interim segments
// replace each other wholesale; final segments are appended to the utterance.
type Segment struct {
	Text  string
	Final bool
}

// FeedError is a terminal error reported by a transcription feed run.
type FeedError struct {
	Kind    string
	Message string
}

func (e FeedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transcription feed error: %s", e.Kind)
	}
	return fmt.Sprintf("transcription feed error: %s: %s", e.Kind, e.Message)
}

// Benign reports whether the error is an expected engine hiccup that should
// trigger a transparent feed restart instead of ending the session.
func (e FeedError) Benign() bool {
	switch e.Kind {
	case "no-speech", "aborted":
		return true
	}
	return false
}

// Feed is the external streaming transcription capability. Segments are
// delivered in non-decreasing order within an utterance. The segments
// channel closing signals natural termination; the feed must support being
// started again afterwards.
type Feed interface {
	Start() error
	Stop()
	SendPCM16KLE(pcm []byte) error
	Segments() <-chan Segment
	Errors() <-chan FeedError
}

// LevelSampler produces the current normalized 0.0-1.0 loudness.
type LevelSampler interface {
	Sample() (float64, error)
}

// Activity is the turn-taking signal exposed to callers.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivitySpeaking
)

func (a Activity) String() string {
	if a == ActivitySpeaking {
		return "speaking"
	}
	return "idle"
}

// Events let the host react to detection results. Callbacks run on the
// detector's tick goroutine with no internal locks held, so they may call
// back into the detector (e.g. SetSuppressed from OnUtterance).
type Events struct {
	// OnSpeechStart fires at most once per utterance, on the first loudness
	// sample that crosses the speech threshold.
	OnSpeechStart func()
	// OnUtterance fires exactly once per completed utterance with the
	// trimmed transcript. Utterances that trim to empty are discarded
	// without firing.
	OnUtterance func(text string)
	// OnError fires for fatal conditions that end the listening session.
	OnError func(err error)
}

// Config tunes the detector.
type Config struct {
	// SpeechThreshold is the minimum normalized loudness counted as speech.
	SpeechThreshold float64
	// SilenceTimeout is the sub-threshold duration that closes an utterance.
	SilenceTimeout time.Duration
	// SampleInterval is the loudness sampling cadence.
	SampleInterval time.Duration
	// RestartBackoff delays transparent feed restarts to avoid restart storms.
	RestartBackoff time.Duration
}

// DefaultConfig returns the tuned production defaults.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold: 0.015,
		SilenceTimeout:  800 * time.Millisecond,
		SampleInterval:  50 * time.Millisecond,
		RestartBackoff:  100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = d.SpeechThreshold
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.RestartBackoff == 0 {
		c.RestartBackoff = d.RestartBackoff
	}
	return c
}
