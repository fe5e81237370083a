package rtc

import (
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/radebe49/objection-dojo/internal/playback"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func newTestWriter(ft *fakeTrack) *OpusPacedWriter {
	// encoder left nil: these tests drive the frame queue directly
	return &OpusPacedWriter{
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := newTestWriter(ft)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := newTestWriter(&fakeTrack{})
	w.pcmBuf = []int16{1, 2, 3}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestOpusPacedWriter_CloseIdempotent(t *testing.T) {
	w := newTestWriter(&fakeTrack{})
	w.Close()
	w.Close()
	// pushFrame after close must not block
	doneCh := make(chan struct{})
	go func() {
		w.pushFrame([]byte{0x01})
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("pushFrame blocked after Close")
	}
}

func TestPeerMediaTeardown_BeforeTrack(t *testing.T) {
	// a peer can fail during negotiation, before any service exists
	m := &peerMedia{}
	m.teardown("t1")
}

func TestPeerMediaTeardown_ClosesController(t *testing.T) {
	ctrl := playback.NewController(func() (playback.Engine, error) {
		return nil, errors.New("no engine in test")
	})
	m := &peerMedia{}
	m.ctrl.Store(ctrl)
	m.teardown("t2")

	// Close is deferred to let the tail drain; poll until it lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		done := make(chan error, 1)
		ctrl.Play([]byte{0x01}, func(err error) { done <- err })
		err := <-done
		if errors.Is(err, playback.ErrClosed) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("controller still open after teardown: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestParseICEServers(t *testing.T) {
	servers := parseICEServers(`[{"urls":["stun:stun.example.org:3478"]}]`)
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
	fallback := parseICEServers("not json")
	if len(fallback) != 1 || fallback[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("expected fallback STUN server, got %+v", fallback)
	}
}

func TestCheckAuthHeaderOrQuery(t *testing.T) {
	mkReq := func(mod func(*http.Request)) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "http://localhost/rtc", nil)
		mod(r)
		return r
	}
	cases := []struct {
		name string
		req  *http.Request
		want bool
	}{
		{"query", mkReq(func(r *http.Request) { q := r.URL.Query(); q.Set("password", "pw"); r.URL.RawQuery = q.Encode() }), true},
		{"bearer", mkReq(func(r *http.Request) { r.Header.Set("Authorization", "Bearer pw") }), true},
		{"x_auth", mkReq(func(r *http.Request) { r.Header.Set("X-Auth-Token", "pw") }), true},
		{"wrong", mkReq(func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }), false},
		{"none", mkReq(func(r *http.Request) {}), false},
	}
	for _, tc := range cases {
		if got := checkAuthHeaderOrQuery(tc.req, "pw"); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if checkAuthHeaderOrQuery(nil, "pw") {
		t.Fatalf("nil request must not authenticate")
	}
}
