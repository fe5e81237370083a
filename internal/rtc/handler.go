package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/radebe49/objection-dojo/internal/config"
	"github.com/radebe49/objection-dojo/internal/game"
	"github.com/radebe49/objection-dojo/internal/llm"
	"github.com/radebe49/objection-dojo/internal/orchestrator"
	"github.com/radebe49/objection-dojo/internal/playback"
	"github.com/radebe49/objection-dojo/internal/store"
	"github.com/radebe49/objection-dojo/internal/transcript"
	"github.com/radebe49/objection-dojo/internal/tts"
	"github.com/radebe49/objection-dojo/internal/turntaking"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler manages WebRTC peer connections for the live pitch mode: mic
// audio in, turn detection, prospect voice out, game events over the
// control data channel.
type Handler struct {
	cfg     config.Config
	persist store.Store
}

func NewHandler(cfg config.Config, persist store.Store) *Handler {
	return &Handler{cfg: cfg, persist: persist}
}

// HandleOffer accepts an SDP offer and returns an SDP answer with ICE
// gathering completed (non-trickle path).
func (h *Handler) HandleOffer(_ context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()
	pc, outTrack, err := h.createPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	h.attachMedia(callID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// createPeer prepares a PeerConnection with default codecs and
// interceptors and the outbound prospect audio track.
func (h *Handler) createPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(h.cfg.ICEServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := NewOutboundTrack()
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// controlEvent is what the server pushes over the control data channel.
type controlEvent struct {
	Event   string                   `json:"event"`
	Turn    *orchestrator.TurnResult `json:"turn,omitempty"`
	Session any                      `json:"session,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// peerMedia holds the per-connection services. Everything is nilable:
// the services only come up once the remote mic track arrives, but the
// connection can fail at any point before that.
type peerMedia struct {
	det   atomic.Pointer[turntaking.Detector]
	orc   atomic.Pointer[orchestrator.Orchestrator]
	ctrl  atomic.Pointer[playback.Controller]
	paced atomic.Pointer[OpusPacedWriter]
	dc    atomic.Pointer[webrtc.DataChannel]
}

// teardown stops whatever services exist. Safe before the track arrives.
func (m *peerMedia) teardown(callID string) {
	if det := m.det.Load(); det != nil {
		det.Stop()
	}
	if orc := m.orc.Load(); orc != nil {
		if _, err := orc.EndSession(context.Background()); err == nil {
			log.Printf("[%s] session closed with connection", callID)
		}
	}
	if paced := m.paced.Load(); paced != nil {
		paced.FlushTail()
	}
	if ctrl := m.ctrl.Load(); ctrl != nil {
		// leave the tail padding time to drain before releasing the engine
		time.AfterFunc(400*time.Millisecond, func() { ctrl.Close() })
	}
}

// attachMedia wires the full pitch loop onto the peer connection. The
// services come up once the remote mic track arrives; the control channel
// accepts start/end/stop commands and carries turn results back.
func (h *Handler) attachMedia(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	feed := transcript.NewAssemblyAIFeed(h.cfg.AssemblyAIKey)
	chatClient := llm.NewCerebrasClient(h.cfg.CerebrasKey, h.cfg.CerebrasModelID)

	m := &peerMedia{}

	sendEvent := func(ev controlEvent) {
		dc := m.dc.Load()
		if dc == nil {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := dc.SendText(string(data)); err != nil {
			log.Printf("[%s] control send error: %v", callID, err)
		}
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] control channel opened", callID)
		m.dc.Store(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "start", "start-session":
				orc := m.orc.Load()
				det := m.det.Load()
				if orc == nil || det == nil {
					sendEvent(controlEvent{Event: "error", Error: "media not ready"})
					return
				}
				s, err := orc.StartSession(context.Background(), "")
				if err != nil {
					sendEvent(controlEvent{Event: "error", Error: err.Error()})
					return
				}
				if err := det.Start(); err != nil {
					sendEvent(controlEvent{Event: "error", Error: err.Error()})
					return
				}
				sendEvent(controlEvent{Event: "session-started", Session: s})
			case "end", "end-session":
				if det := m.det.Load(); det != nil {
					det.Stop()
				}
				if orc := m.orc.Load(); orc != nil {
					if s, err := orc.EndSession(context.Background()); err == nil {
						sendEvent(controlEvent{Event: "session-ended", Session: s})
					}
				}
			case "stop", "stop-speaking", "cancel":
				if ctrl := m.ctrl.Load(); ctrl != nil {
					ctrl.Stop()
				}
			}
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})
	// registered before the track arrives so a peer that fails during
	// negotiation still gets torn down
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			m.teardown(callID)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] opus encoder error: %v", callID, err)
			return
		}
		ctrl := playback.NewController(func() (playback.Engine, error) { return paced, nil })
		m.paced.Store(paced)
		m.ctrl.Store(ctrl)

		voice, player := h.buildVoice(ctrl)

		det := turntaking.NewDetector(turntaking.DefaultConfig(), feed, turntaking.Events{
			OnSpeechStart: func() {
				sendEvent(controlEvent{Event: "speech-start"})
			},
			OnUtterance: func(text string) {
				if orc := m.orc.Load(); orc != nil {
					orc.HandleUtterance(text)
				}
			},
			OnError: func(err error) {
				log.Printf("[%s] listening error: %v", callID, err)
				sendEvent(controlEvent{Event: "error", Error: err.Error()})
			},
		})
		m.det.Store(det)

		orc := orchestrator.New(chatClient, voice, player, det, h.persist, orchestrator.Events{
			OnTurn: func(r orchestrator.TurnResult) {
				log.Printf("[%s] turn: patience=%d sentiment=%s", callID, r.Patience, r.Sentiment)
				sendEvent(controlEvent{Event: "turn", Turn: &r})
			},
			OnGameOver: func(s game.Session) {
				log.Printf("[%s] game over: deal_closed=%v patience=%d turns=%d", callID, s.DealClosed, s.PatienceEnd, s.Turns)
				if det := m.det.Load(); det != nil {
					det.Stop()
				}
				sendEvent(controlEvent{Event: "game-over", Session: s})
			},
			OnError: func(err error) {
				sendEvent(controlEvent{Event: "error", Error: err.Error()})
			},
		})
		m.orc.Store(orc)

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder error: %v", callID, derr)
			return
		}
		go h.readMic(callID, remote, dec, det)
	})
}

// readMic decodes the inbound Opus track to 16kHz mono PCM and forwards it
// to the detector in fixed chunks (100ms at 16kHz).
func (h *Handler) readMic(callID string, remote *webrtc.TrackRemote, dec *opus.Decoder, det *turntaking.Detector) {
	const chunkBytes = 3200
	buf := make([]byte, 0, chunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read ended: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+chunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			det.PushAudio(chunk)
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// buildVoice picks the voice backend: ElevenLabs MP3 synthesis when a key
// is configured, Deepgram streaming PCM otherwise.
func (h *Handler) buildVoice(ctrl *playback.Controller) (orchestrator.Synthesizer, orchestrator.Player) {
	if h.cfg.ElevenLabsKey != "" {
		return tts.NewElevenLabsClient(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID), ctrl
	}
	return &deepgramVoice{c: tts.NewDeepgramClient(h.cfg.DeepgramKey, h.cfg.DeepgramVoice)}, pcmPlayer{ctrl: ctrl}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func generateCallID() string { return time.Now().Format("0102150405.000") }
