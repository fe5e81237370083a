package turntaking

import (
	"log"
	"sync"
	"time"

	"github.com/radebe49/objection-dojo/internal/audio"
)

// KindEnded marks a feed run that terminated naturally (engine auto-stop).
// Like the benign error kinds it triggers a transparent restart.
const KindEnded = "ended"

type listenState int

const (
	stateIdle listenState = iota
	stateSilent
	stateSpeaking
)

// captureSession is the slice of audio.CaptureSession the detector needs.
type captureSession interface {
	Push(pcm []byte)
	Sample() (float64, error)
	Close()
}

// Detector owns the speech-activity state and transcript accumulator for
// one microphone session and decides, on every sampling tick, whether an
// utterance has started or ended. All mutable state is confined behind one
// mutex; the ticker, the feed consumer and external suppression writes
// serialize through it, so ticks always observe the latest transcript
// update and a finalize can never read a stale accumulator.
type Detector struct {
	cfg  Config
	ev   Events
	feed Feed

	newSession func() captureSession

	mu           sync.Mutex
	session      captureSession
	state        listenState
	suppressed   bool
	shouldListen bool
	hasSpoken    bool
	lastSpeech   time.Time
	acc          accumulator
	gen          int
	stopCh       chan struct{}
}

// NewDetector constructs a detector over the given transcription feed.
// A nil feed is allowed for loudness-only operation.
func NewDetector(cfg Config, feed Feed, ev Events) *Detector {
	return &Detector{
		cfg:  cfg.withDefaults(),
		ev:   ev,
		feed: feed,
		newSession: func() captureSession {
			return audio.NewCaptureSession(audio.DefaultAnalysisSize)
		},
	}
}

// Start opens a microphone session, resets utterance state and begins
// sampling. Calling Start while already listening is a no-op.
func (d *Detector) Start() error {
	d.mu.Lock()
	if d.shouldListen {
		d.mu.Unlock()
		return nil
	}
	d.session = d.newSession()
	d.state = stateSilent
	d.shouldListen = true
	d.hasSpoken = false
	d.acc.reset()
	d.stopCh = make(chan struct{})
	d.gen++
	gen := d.gen
	stop := d.stopCh
	d.mu.Unlock()

	if d.feed != nil {
		if err := d.feed.Start(); err != nil {
			d.Stop()
			return err
		}
		go d.consume(gen)
	}
	go d.run(stop)
	return nil
}

// Stop tears the microphone session down and discards any unfinalized
// utterance silently. Safe to call from any state, any number of times.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.shouldListen && d.session == nil {
		d.mu.Unlock()
		return
	}
	d.teardownLocked()
	feed := d.feed
	d.mu.Unlock()
	if feed != nil {
		feed.Stop()
	}
}

// teardownLocked releases the session and stops sampling. Caller holds d.mu.
func (d *Detector) teardownLocked() {
	d.shouldListen = false
	d.state = stateIdle
	d.hasSpoken = false
	d.acc.reset()
	if d.session != nil {
		d.session.Close()
		d.session = nil
	}
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
	d.gen++
}

// SetSuppressed drives the suppression flag. While set, loudness and
// transcript evidence are ignored and any partial utterance is discarded so
// the system's own voice cannot be mistaken for the user. Clearing the flag
// re-arms detection; nothing discarded is replayed.
func (d *Detector) SetSuppressed(on bool) {
	d.mu.Lock()
	if on && !d.suppressed {
		d.hasSpoken = false
		d.acc.reset()
		if d.state == stateSpeaking {
			d.state = stateSilent
		}
	}
	d.suppressed = on
	d.mu.Unlock()
}

// Suppressed reports the suppression flag.
func (d *Detector) Suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Listening reports whether a microphone session is open.
func (d *Detector) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shouldListen
}

// Activity returns the current speech-activity signal. Suppression forces
// idle regardless of the underlying state.
func (d *Detector) Activity() Activity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateSpeaking && !d.suppressed {
		return ActivitySpeaking
	}
	return ActivityIdle
}

// PushAudio forwards captured PCM16LE mic bytes to the analysis ring and
// the transcription feed. The capture handle never leaves the detector.
func (d *Detector) PushAudio(pcm []byte) {
	d.mu.Lock()
	session := d.session
	listening := d.shouldListen
	d.mu.Unlock()
	if !listening || session == nil {
		return
	}
	session.Push(pcm)
	if d.feed != nil {
		if err := d.feed.SendPCM16KLE(pcm); err != nil {
			log.Printf("turntaking: feed send error: %v", err)
		}
	}
}

func (d *Detector) run(stop <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

// tick is one sampling step. It never blocks: it reads the analysis ring,
// advances the state machine and emits any due events after releasing the
// lock, so callbacks may call back into the detector.
func (d *Detector) tick(now time.Time) {
	d.mu.Lock()
	if !d.shouldListen || d.suppressed {
		d.mu.Unlock()
		return
	}
	level, err := d.session.Sample()
	if err != nil {
		d.teardownLocked()
		cb := d.ev.OnError
		d.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}

	var speechStarted bool
	var utterance string
	if level > d.cfg.SpeechThreshold {
		d.lastSpeech = now
		if d.state == stateSilent {
			d.state = stateSpeaking
		}
		if !d.hasSpoken {
			d.hasSpoken = true
			speechStarted = true
		}
	} else {
		if d.state == stateSpeaking {
			// lastSpeech stays frozen; silence is timed from it.
			d.state = stateSilent
		}
		if d.state == stateSilent && d.hasSpoken && now.Sub(d.lastSpeech) >= d.cfg.SilenceTimeout {
			utterance = d.acc.text()
			d.acc.reset()
			d.hasSpoken = false
		}
	}
	onStart, onUtterance := d.ev.OnSpeechStart, d.ev.OnUtterance
	d.mu.Unlock()

	if speechStarted && onStart != nil {
		onStart()
	}
	if utterance != "" && onUtterance != nil {
		onUtterance(utterance)
	}
}

// ingest applies one transcription update. Updates arriving while
// suppressed or not listening are discarded.
func (d *Detector) ingest(seg Segment) {
	d.mu.Lock()
	if d.shouldListen && !d.suppressed {
		d.acc.ingest(seg)
	}
	d.mu.Unlock()
}

// consume drains one feed run. gen pins it to the run that started it so a
// stale consumer cannot act after a stop or restart.
func (d *Detector) consume(gen int) {
	segs := d.feed.Segments()
	errs := d.feed.Errors()
	for {
		select {
		case seg, ok := <-segs:
			if !ok {
				d.scheduleRestart(gen)
				return
			}
			d.mu.Lock()
			stale := d.gen != gen
			d.mu.Unlock()
			if stale {
				return
			}
			d.ingest(seg)
		case fe, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if fe.Benign() || fe.Kind == KindEnded {
				log.Printf("turntaking: feed ended (%s), restarting", fe.Kind)
				d.scheduleRestart(gen)
				return
			}
			d.fatalFeedError(gen, fe)
			return
		}
	}
}

// scheduleRestart retries the feed after a short backoff. The restart is
// skipped when listening was explicitly stopped in the interim.
func (d *Detector) scheduleRestart(gen int) {
	time.AfterFunc(d.cfg.RestartBackoff, func() {
		d.mu.Lock()
		if d.gen != gen || !d.shouldListen {
			d.mu.Unlock()
			return
		}
		d.gen++
		next := d.gen
		d.mu.Unlock()

		if err := d.feed.Start(); err != nil {
			log.Printf("turntaking: feed restart failed, retrying: %v", err)
			d.scheduleRestart(next)
			return
		}
		go d.consume(next)
	})
}

func (d *Detector) fatalFeedError(gen int, fe FeedError) {
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.teardownLocked()
	cb := d.ev.OnError
	feed := d.feed
	d.mu.Unlock()
	if feed != nil {
		feed.Stop()
	}
	if cb != nil {
		cb(fe)
	}
}
