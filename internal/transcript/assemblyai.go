package transcript

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/radebe49/objection-dojo/internal/turntaking"
)

// AssemblyAI streaming transcription feed. Each Start opens one streaming
// run with fresh segment/error channels; the segment channel closes when
// the run terminates and a FeedError describing the termination is
// delivered, after which the feed can be started again.
type AssemblyAIFeed struct {
	apiKey string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	segments  chan turntaking.Segment
	errors    chan turntaking.FeedError
	audioData chan []byte
	stopCh    chan struct{}
	finishOne sync.Once
}

// AssemblyAI v3 streaming message types.
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIFeed creates a feed; no connection is made until Start.
func NewAssemblyAIFeed(apiKey string) *AssemblyAIFeed {
	return &AssemblyAIFeed{apiKey: apiKey}
}

// Segments returns the segment channel of the current run.
func (s *AssemblyAIFeed) Segments() <-chan turntaking.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments
}

// Errors returns the error channel of the current run.
func (s *AssemblyAIFeed) Errors() <-chan turntaking.FeedError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errors
}

// Start establishes the WebSocket connection and begins streaming.
func (s *AssemblyAIFeed) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("assemblyai: API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	headers := map[string][]string{"Authorization": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("assemblyai: connection failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.segments = make(chan turntaking.Segment, 100)
	s.errors = make(chan turntaking.FeedError, 4)
	s.audioData = make(chan []byte, 1000)
	s.stopCh = make(chan struct{})
	s.finishOne = sync.Once{}

	go s.handleMessages(conn, s.stopCh)
	go s.sendAudioData(conn, s.audioData, s.stopCh)

	log.Println("assemblyai: streaming session connected")
	return nil
}

// SendPCM16KLE queues 16kHz little-endian mono PCM for transcription.
func (s *AssemblyAIFeed) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("assemblyai: not connected")
	}
	select {
	case s.audioData <- pcm:
	default:
		log.Println("assemblyai: audio buffer full, dropping packet")
	}
	return nil
}

// Stop terminates the current run. Idempotent.
func (s *AssemblyAIFeed) Stop() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	stop := s.stopCh
	s.connected = false
	s.conn = nil
	s.mu.Unlock()

	close(stop)
	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	s.finish(turntaking.FeedError{Kind: "aborted", Message: "feed stopped"})
}

// finish closes the run's segment channel and delivers the terminal error,
// at most once per run.
func (s *AssemblyAIFeed) finish(fe turntaking.FeedError) {
	s.finishOne.Do(func() {
		s.mu.Lock()
		segs, errs := s.segments, s.errors
		s.connected = false
		s.mu.Unlock()
		if errs != nil {
			select {
			case errs <- fe:
			default:
			}
		}
		if segs != nil {
			close(segs)
		}
	})
}

func (s *AssemblyAIFeed) handleMessages(conn *websocket.Conn, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("assemblyai: recovered in handleMessages: %v", r)
		}
	}()
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				// explicit Stop already finished the run
			default:
				s.finish(turntaking.FeedError{Kind: turntaking.KindEnded, Message: err.Error()})
			}
			return
		}
		s.processMessage(message, stop)
	}
}

func (s *AssemblyAIFeed) processMessage(message []byte, stop <-chan struct{}) {
	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		log.Printf("assemblyai: unmarshal: %v", err)
		return
	}
	msgType, ok := baseMsg["type"].(string)
	if !ok {
		log.Printf("assemblyai: message missing type field")
		return
	}
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		expires := time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339)
		log.Printf("assemblyai: session began id=%s expires=%s", msg.ID, expires)
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.mu.RLock()
		segs := s.segments
		s.mu.RUnlock()
		seg := turntaking.Segment{Text: msg.Transcript, Final: msg.EndOfTurn}
		if seg.Final {
			// final segments must not be dropped
			select {
			case segs <- seg:
			case <-stop:
			}
			return
		}
		select {
		case segs <- seg:
		default:
			// interim updates are replace-wholesale; dropping one is harmless
		}
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("assemblyai: session terminated audio=%.2fs session=%.2fs",
			msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		s.finish(turntaking.FeedError{Kind: turntaking.KindEnded})
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("assemblyai: error: %s", msg.Error)
		s.finish(turntaking.FeedError{Kind: classifyError(msg.Error), Message: msg.Error})
	default:
		log.Printf("assemblyai: unknown message type: %s", msgType)
	}
}

// classifyError maps provider error strings onto the feed error taxonomy.
// Only "no-speech" and "aborted" are recoverable without surfacing.
func classifyError(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "no speech"), strings.Contains(m, "no audio"):
		return "no-speech"
	case strings.Contains(m, "abort"), strings.Contains(m, "session idle"):
		return "aborted"
	default:
		return "fatal"
	}
}

func (s *AssemblyAIFeed) sendAudioData(conn *websocket.Conn, audio <-chan []byte, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("assemblyai: recovered in sendAudioData: %v", r)
		}
	}()
	for {
		select {
		case <-stop:
			return
		case pcm := <-audio:
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				log.Printf("assemblyai: send audio: %v", err)
				return
			}
		}
	}
}
