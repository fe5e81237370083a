package httpserver

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radebe49/objection-dojo/internal/config"
	"github.com/radebe49/objection-dojo/internal/game"
	"github.com/radebe49/objection-dojo/internal/llm"
	"github.com/radebe49/objection-dojo/internal/rtc"
	"github.com/radebe49/objection-dojo/internal/store"
)

// ChatService produces the prospect's reply for one pitch turn.
type ChatService interface {
	Respond(ctx context.Context, history []llm.Message, userText string) (llm.PersonaReply, error)
}

// VoiceService turns reply text into an audio payload.
type VoiceService interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// RTCService terminates WebRTC offers and websocket signaling.
type RTCService interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

// Deps are the collaborators the HTTP surface needs. Any of them may be
// nil; the affected routes then answer 503.
type Deps struct {
	Chat    ChatService
	Voice   VoiceService
	Persist store.Store
	RTC     RTCService
}

// Server bundles the HTTP router and dependencies.
type Server struct {
	Router http.Handler

	cfg  config.Config
	deps Deps
}

// ChatRequest is the text-mode pitch turn from the frontend.
type ChatRequest struct {
	SessionID       string `json:"session_id"`
	UserText        string `json:"user_text"`
	CurrentPatience int    `json:"current_patience"`
}

// ChatResponse carries the prospect's reply, the updated score and the
// spoken audio when synthesis succeeded.
type ChatResponse struct {
	AIText        string `json:"ai_text"`
	PatienceScore int    `json:"patience_score"`
	DealClosed    bool   `json:"deal_closed"`
	AudioBase64   string `json:"audio_base64,omitempty"`
}

type sessionStartRequest struct {
	UserID string `json:"user_id"`
}

type sessionEndRequest struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	PatienceEnd int    `json:"patience_end"`
	DealClosed  bool   `json:"deal_closed"`
	Turns       int    `json:"turns"`
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	e := newEcho()

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/chat", s.chat)
	e.POST("/session/start", s.sessionStart)
	e.POST("/session/end", s.sessionEnd)
	e.GET("/leaderboard", s.leaderboard)
	e.POST("/call", s.call)
	e.GET("/rtc", s.rtcSignaling)

	s.Router = e
	return s
}

func (s *Server) chat(c echo.Context) error {
	if s.deps.Chat == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "chat not configured"})
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.UserText = strings.TrimSpace(req.UserText)
	if req.UserText == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_text is required"})
	}
	if req.CurrentPatience < game.PatienceMin || req.CurrentPatience > game.PatienceMax {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "current_patience out of range"})
	}

	ctx := c.Request().Context()

	// With a session the persona remembers the pitch so far; prior turns
	// become the conversation history and fix this turn's index.
	var history []llm.Message
	turnIndex := 0
	if s.deps.Persist != nil && req.SessionID != "" {
		if prior, herr := s.deps.Persist.Turns(ctx, req.SessionID); herr != nil {
			log.Printf("store: load turns: %v", herr)
		} else {
			turnIndex = len(prior)
			history = make([]llm.Message, 0, len(prior)*2)
			for _, t := range prior {
				history = append(history,
					llm.Message{Role: "user", Content: t.UserText},
					llm.Message{Role: "assistant", Content: t.ReplyText},
				)
			}
		}
	}

	reply, err := s.deps.Chat.Respond(ctx, history, req.UserText)
	if err != nil {
		log.Printf("chat error: %v", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "prospect unavailable"})
	}
	patience := game.NextPatience(req.CurrentPatience, reply.Sentiment)

	resp := ChatResponse{
		AIText:        reply.Text,
		PatienceScore: patience,
		DealClosed:    reply.DealClosed,
	}
	if s.deps.Voice != nil {
		// audio is best-effort: a TTS failure must not fail the turn
		if audio, aerr := s.deps.Voice.Synthesize(ctx, reply.Text); aerr != nil {
			log.Printf("tts error: %v", aerr)
		} else {
			resp.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
		}
	}
	if s.deps.Persist != nil && req.SessionID != "" {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Persist.AppendTurn(pctx, store.Turn{
				SessionID: req.SessionID,
				Index:     turnIndex,
				UserText:  req.UserText,
				ReplyText: reply.Text,
				Sentiment: string(reply.Sentiment),
				Patience:  patience,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				log.Printf("store: append turn: %v", err)
			}
		}()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) sessionStart(c echo.Context) error {
	var req sessionStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	sess := game.Session{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		PatienceStart: game.PatienceStart,
		PatienceEnd:   game.PatienceStart,
		StartedAt:     time.Now().UTC(),
	}
	if s.deps.Persist != nil {
		if err := s.deps.Persist.CreateSession(c.Request().Context(), sess); err != nil {
			log.Printf("store: create session: %v", err)
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "could not create session"})
		}
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) sessionEnd(c echo.Context) error {
	var req sessionEndRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_id is required"})
	}
	now := time.Now().UTC()
	sess := game.Session{
		ID:            req.SessionID,
		UserID:        req.UserID,
		PatienceStart: game.PatienceStart,
		PatienceEnd:   req.PatienceEnd,
		DealClosed:    req.DealClosed,
		Turns:         req.Turns,
		EndedAt:       &now,
	}
	if s.deps.Persist != nil {
		if prev, err := s.deps.Persist.Session(c.Request().Context(), req.SessionID); err == nil {
			sess.StartedAt = prev.StartedAt
			if sess.UserID == "" {
				sess.UserID = prev.UserID
			}
		}
		if err := s.deps.Persist.EndSession(c.Request().Context(), sess); err != nil {
			log.Printf("store: end session: %v", err)
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "could not end session"})
		}
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) leaderboard(c echo.Context) error {
	if s.deps.Persist == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "storage not configured"})
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be 1-100"})
		}
		limit = n
	}
	entries, err := s.deps.Persist.Leaderboard(c.Request().Context(), limit)
	if err != nil {
		log.Printf("store: leaderboard: %v", err)
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "could not load leaderboard"})
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries})
}

func (s *Server) call(c echo.Context) error {
	if !rtcAuthOK(c.Request(), s.cfg.RTCAuthPassword) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if s.deps.RTC == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "rtc not configured"})
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offer"})
	}
	answer, err := s.deps.RTC.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("webrtc handle offer failed: %v", err)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) rtcSignaling(c echo.Context) error {
	if s.deps.RTC == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "rtc not configured"})
	}
	s.deps.RTC.ServeWebSocket(c.Response(), c.Request())
	return nil
}

// rtcAuthOK checks the shared signaling password against query, bearer
// header or X-Auth-Token. An empty expected password disables the check.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}
