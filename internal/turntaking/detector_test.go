package turntaking

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedSession replays a loudness sequence, one value per Sample call.
type scriptedSession struct {
	mu     sync.Mutex
	levels []float64
	pos    int
	closed bool
	err    error
}

func (s *scriptedSession) Push(pcm []byte) {}

func (s *scriptedSession) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.pos >= len(s.levels) {
		return 0, nil
	}
	v := s.levels[s.pos]
	s.pos++
	return v, nil
}

func (s *scriptedSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// fakeFeed is a restartable feed with per-run channels.
type fakeFeed struct {
	mu       sync.Mutex
	starts   int
	stops    int
	segments chan Segment
	errs     chan FeedError
}

func (f *fakeFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.segments = make(chan Segment, 16)
	f.errs = make(chan FeedError, 4)
	return nil
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeFeed) SendPCM16KLE(pcm []byte) error { return nil }

func (f *fakeFeed) Segments() <-chan Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segments
}

func (f *fakeFeed) Errors() <-chan FeedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs
}

func (f *fakeFeed) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// newTestDetector wires a detector to a scripted session without running
// the ticker, so tests drive ticks with synthetic timestamps.
func newTestDetector(cfg Config, ev Events, sess *scriptedSession) *Detector {
	d := NewDetector(cfg, nil, ev)
	d.newSession = func() captureSession { return sess }
	d.mu.Lock()
	d.session = sess
	d.shouldListen = true
	d.state = stateSilent
	d.mu.Unlock()
	return d
}

func testConfig() Config {
	return Config{
		SpeechThreshold: 0.015,
		SilenceTimeout:  800 * time.Millisecond,
		SampleInterval:  50 * time.Millisecond,
		RestartBackoff:  10 * time.Millisecond,
	}
}

// driveTicks feeds n ticks spaced by the sample interval starting at t0.
func driveTicks(d *Detector, t0 time.Time, n int) time.Time {
	now := t0
	for i := 0; i < n; i++ {
		d.tick(now)
		now = now.Add(d.cfg.SampleInterval)
	}
	return now
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetector_SilenceOnlyNeverFinalizes(t *testing.T) {
	var got []string
	sess := &scriptedSession{levels: repeat(0.001, 40)}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	d.ingest(Segment{Text: "uh", Final: false})
	driveTicks(d, time.Unix(0, 0), 40)

	if len(got) != 0 {
		t.Fatalf("expected no utterance for silence-only input, got %v", got)
	}
	if d.Activity() != ActivityIdle {
		t.Fatalf("expected idle activity")
	}
}

func TestDetector_ScenarioA_SpeechThenSilence(t *testing.T) {
	var got []string
	starts := 0
	levels := append(repeat(0.02, 5), repeat(0.001, 20)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{
		OnSpeechStart: func() { starts++ },
		OnUtterance:   func(s string) { got = append(got, s) },
	}, sess)

	t0 := time.Unix(0, 0)
	now := driveTicks(d, t0, 5)
	if d.Activity() != ActivitySpeaking {
		t.Fatalf("expected speaking during loud ticks")
	}
	d.ingest(Segment{Text: "hello there", Final: true})
	driveTicks(d, now, 20)

	if starts != 1 {
		t.Fatalf("expected exactly one speech-start, got %d", starts)
	}
	if len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("expected exactly one utterance %q, got %v", "hello there", got)
	}
}

func TestDetector_InterimIncludedAtFinalize(t *testing.T) {
	var got []string
	levels := append(repeat(0.02, 3), repeat(0.001, 20)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	now := driveTicks(d, time.Unix(0, 0), 3)
	d.ingest(Segment{Text: "our product", Final: true})
	d.ingest(Segment{Text: "saves you", Final: false})
	d.ingest(Segment{Text: "saves you money", Final: false})
	driveTicks(d, now, 20)

	if len(got) != 1 || got[0] != "our product saves you money" {
		t.Fatalf("unexpected utterance: %v", got)
	}
}

func TestDetector_EmptyTranscriptResetsSilently(t *testing.T) {
	var got []string
	levels := append(repeat(0.02, 3), repeat(0.001, 20)...)
	// second utterance after the silent reset
	levels = append(levels, repeat(0.02, 3)...)
	levels = append(levels, repeat(0.001, 20)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	// loudness crossed the threshold but no words were transcribed
	now := driveTicks(d, time.Unix(0, 0), 23)
	if len(got) != 0 {
		t.Fatalf("expected no event for empty transcript, got %v", got)
	}

	// fresh attempt works without any restart
	now = driveTicks(d, now, 3)
	d.ingest(Segment{Text: "second try", Final: true})
	driveTicks(d, now, 20)
	if len(got) != 1 || got[0] != "second try" {
		t.Fatalf("expected fresh utterance after silent reset, got %v", got)
	}
}

func TestDetector_ScenarioC_SuppressionBlocksEmission(t *testing.T) {
	var got []string
	levels := append(repeat(0.02, 5), repeat(0.001, 20)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	t0 := time.Unix(0, 0)
	now := driveTicks(d, t0, 3)
	d.ingest(Segment{Text: "hello there", Final: true})
	d.SetSuppressed(true)
	if d.Activity() != ActivityIdle {
		t.Fatalf("expected idle immediately after suppression")
	}
	driveTicks(d, now, 22)

	if len(got) != 0 {
		t.Fatalf("expected no utterance while suppressed, got %v", got)
	}
}

func TestDetector_SuppressionDiscardsPartialUtterance(t *testing.T) {
	var got []string
	levels := append(repeat(0.02, 3), repeat(0.001, 40)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	now := driveTicks(d, time.Unix(0, 0), 3)
	d.ingest(Segment{Text: "half a pitch", Final: true})
	d.SetSuppressed(true)
	d.SetSuppressed(false)
	// detection re-armed; the discarded text must not replay even after a
	// full silence window
	driveTicks(d, now, 40)

	if len(got) != 0 {
		t.Fatalf("expected discarded utterance to never emit, got %v", got)
	}
}

func TestDetector_AccumulatorResetBetweenUtterances(t *testing.T) {
	var got []string
	levels := append(repeat(0.02, 3), repeat(0.001, 20)...)
	levels = append(levels, repeat(0.02, 3)...)
	levels = append(levels, repeat(0.001, 20)...)
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnUtterance: func(s string) { got = append(got, s) }}, sess)

	now := driveTicks(d, time.Unix(0, 0), 3)
	d.ingest(Segment{Text: "first pitch", Final: true})
	now = driveTicks(d, now, 20)
	now = driveTicks(d, now, 3)
	d.ingest(Segment{Text: "second pitch", Final: true})
	driveTicks(d, now, 20)

	if len(got) != 2 {
		t.Fatalf("expected two utterances, got %v", got)
	}
	if got[0] != "first pitch" || got[1] != "second pitch" {
		t.Fatalf("utterances bled into each other: %v", got)
	}
}

func TestDetector_StopIdempotent(t *testing.T) {
	feed := &fakeFeed{}
	d := NewDetector(testConfig(), feed, Events{})
	sess := &scriptedSession{}
	d.newSession = func() captureSession { return sess }

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Stop()
	d.Stop()
	if d.Listening() {
		t.Fatalf("expected not listening after stop")
	}
	if !sess.closed {
		t.Fatalf("expected capture session closed")
	}
}

func TestDetector_CaptureUnavailableSurfacedAndTearsDown(t *testing.T) {
	var errs []error
	sess := &scriptedSession{err: errors.New("audio: no capture session open")}
	d := newTestDetector(testConfig(), Events{OnError: func(err error) { errs = append(errs, err) }}, sess)

	d.tick(time.Unix(0, 0))
	if len(errs) != 1 {
		t.Fatalf("expected one surfaced error, got %v", errs)
	}
	if d.Listening() {
		t.Fatalf("expected teardown to idle")
	}
}

func TestDetector_ScenarioD_BenignFeedErrorRestartsTransparently(t *testing.T) {
	feed := &fakeFeed{}
	surfaced := make(chan error, 4)
	d := NewDetector(testConfig(), feed, Events{OnError: func(err error) { surfaced <- err }})
	sess := &scriptedSession{}
	d.newSession = func() captureSession { return sess }

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	feed.mu.Lock()
	errs := feed.errs
	segs := feed.segments
	feed.mu.Unlock()
	errs <- FeedError{Kind: "no-speech"}
	close(segs)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && feed.startCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if feed.startCount() < 2 {
		t.Fatalf("expected automatic feed restart, starts=%d", feed.startCount())
	}
	if !d.Listening() {
		t.Fatalf("expected session to remain open across benign feed error")
	}
	select {
	case err := <-surfaced:
		t.Fatalf("benign error must not surface, got %v", err)
	default:
	}
}

func TestDetector_FatalFeedErrorEndsSession(t *testing.T) {
	feed := &fakeFeed{}
	surfaced := make(chan error, 1)
	d := NewDetector(testConfig(), feed, Events{OnError: func(err error) { surfaced <- err }})
	sess := &scriptedSession{}
	d.newSession = func() captureSession { return sess }

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed.mu.Lock()
	errs := feed.errs
	feed.mu.Unlock()
	errs <- FeedError{Kind: "network", Message: "socket closed"}

	select {
	case err := <-surfaced:
		var fe FeedError
		if !errors.As(err, &fe) || fe.Kind != "network" {
			t.Fatalf("unexpected surfaced error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("fatal feed error was not surfaced")
	}
	if d.Listening() {
		t.Fatalf("expected session to end on fatal feed error")
	}
}

func TestDetector_NoRestartAfterExplicitStop(t *testing.T) {
	feed := &fakeFeed{}
	d := NewDetector(testConfig(), feed, Events{})
	sess := &scriptedSession{}
	d.newSession = func() captureSession { return sess }

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed.mu.Lock()
	segs := feed.segments
	feed.mu.Unlock()

	d.Stop()
	close(segs)

	time.Sleep(50 * time.Millisecond)
	if feed.startCount() != 1 {
		t.Fatalf("expected no restart after explicit stop, starts=%d", feed.startCount())
	}
}

func TestDetector_SpeechStartOncePerOscillatingLoudness(t *testing.T) {
	starts := 0
	levels := []float64{0.02, 0.001, 0.02, 0.001, 0.02}
	sess := &scriptedSession{levels: levels}
	d := newTestDetector(testConfig(), Events{OnSpeechStart: func() { starts++ }}, sess)

	driveTicks(d, time.Unix(0, 0), 5)
	if starts != 1 {
		t.Fatalf("expected one speech-start across oscillation, got %d", starts)
	}
}

func TestAccumulator_FinalAppendDiscardsInterim(t *testing.T) {
	var a accumulator
	a.ingest(Segment{Text: "hello", Final: false})
	a.ingest(Segment{Text: "hello there", Final: true})
	if got := a.text(); got != "hello there" {
		t.Fatalf("expected interim discarded on final append, got %q", got)
	}
	a.ingest(Segment{Text: "and", Final: false})
	a.ingest(Segment{Text: "and more", Final: false})
	if got := a.text(); got != "hello there and more" {
		t.Fatalf("expected wholesale interim replacement, got %q", got)
	}
	a.reset()
	if got := a.text(); got != "" {
		t.Fatalf("expected empty after reset, got %q", got)
	}
}
