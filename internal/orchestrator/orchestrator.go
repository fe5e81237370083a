package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radebe49/objection-dojo/internal/game"
	"github.com/radebe49/objection-dojo/internal/llm"
	"github.com/radebe49/objection-dojo/internal/store"
)

// Chat produces the prospect's next turn from the conversation so far.
type Chat interface {
	Respond(ctx context.Context, history []llm.Message, userText string) (llm.PersonaReply, error)
}

// Synthesizer converts reply text to a playable audio payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player plays one payload at a time and reports completion exactly once.
type Player interface {
	Play(payload []byte, done func(error))
	Stop()
}

// Suppressor is the listening machine's external mute switch. Held true
// while the prospect is thinking and speaking so the mic cannot hear the
// speaker output.
type Suppressor interface {
	SetSuppressed(bool)
}

// TurnResult is what one completed exchange produced.
type TurnResult struct {
	UserText   string         `json:"user_text"`
	ReplyText  string         `json:"ai_text"`
	Sentiment  game.Sentiment `json:"sentiment"`
	Patience   int            `json:"patience_score"`
	DealClosed bool           `json:"deal_closed"`
	Lost       bool           `json:"lost"`
}

// Over reports whether this turn ended the game.
func (r TurnResult) Over() bool { return r.DealClosed || r.Lost }

// Events are callbacks into the transport layer. All optional; invoked
// without orchestrator locks held.
type Events struct {
	OnTurn     func(TurnResult)
	OnGameOver func(game.Session)
	OnError    func(error)
}

// Orchestrator runs the pitch loop for one live session: finalized
// utterance in, spoken objection out, patience updated in between.
type Orchestrator struct {
	chat     Chat
	voice    Synthesizer
	player   Player
	machine  Suppressor
	persist  store.Store // may be nil
	ev       Events
	turnWait time.Duration

	mu       sync.Mutex
	session  game.Session
	history  []llm.Message
	patience int
	active   bool
}

func New(chat Chat, voice Synthesizer, player Player, machine Suppressor, persist store.Store, ev Events) *Orchestrator {
	return &Orchestrator{
		chat:     chat,
		voice:    voice,
		player:   player,
		machine:  machine,
		persist:  persist,
		ev:       ev,
		turnWait: 30 * time.Second,
	}
}

// StartSession begins a fresh run at the starting patience score.
func (o *Orchestrator) StartSession(ctx context.Context, userID string) (game.Session, error) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return game.Session{}, fmt.Errorf("orchestrator: session already active")
	}
	s := game.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		PatienceStart: game.PatienceStart,
		PatienceEnd:   game.PatienceStart,
		StartedAt:     time.Now().UTC(),
	}
	o.session = s
	o.history = nil
	o.patience = game.PatienceStart
	o.active = true
	o.mu.Unlock()

	if o.persist != nil {
		if err := o.persist.CreateSession(ctx, s); err != nil {
			log.Printf("store: create session: %v", err)
		}
	}
	return s, nil
}

// EndSession closes the active run and returns its final record.
func (o *Orchestrator) EndSession(ctx context.Context) (game.Session, error) {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return game.Session{}, fmt.Errorf("orchestrator: no active session")
	}
	now := time.Now().UTC()
	o.session.EndedAt = &now
	o.session.PatienceEnd = o.patience
	s := o.session
	o.active = false
	o.mu.Unlock()

	o.player.Stop()
	o.machine.SetSuppressed(false)
	if o.persist != nil {
		if err := o.persist.EndSession(ctx, s); err != nil {
			log.Printf("store: end session: %v", err)
		}
	}
	return s, nil
}

// Session returns a snapshot of the active session.
func (o *Orchestrator) Session() (game.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.session
	s.PatienceEnd = o.patience
	return s, o.active
}

// HandleUtterance is wired to the listening machine's finalized-utterance
// event. It suppresses listening for the duration of the prospect's turn
// and re-arms once playback completes. Each turn runs on its own
// goroutine; the machine stays suppressed in between.
func (o *Orchestrator) HandleUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.machine.SetSuppressed(true)
	go o.runTurn(text)
}

func (o *Orchestrator) runTurn(userText string) {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		o.machine.SetSuppressed(false)
		return
	}
	history := make([]llm.Message, len(o.history))
	copy(history, o.history)
	patience := o.patience
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.turnWait)
	defer cancel()

	reply, err := o.chat.Respond(ctx, history, userText)
	if err != nil {
		// A failed chat call leaves the score untouched and re-arms the mic.
		log.Printf("chat error: %v", err)
		o.machine.SetSuppressed(false)
		if o.ev.OnError != nil {
			o.ev.OnError(err)
		}
		return
	}

	next := game.NextPatience(patience, reply.Sentiment)
	result := TurnResult{
		UserText:   userText,
		ReplyText:  reply.Text,
		Sentiment:  reply.Sentiment,
		Patience:   next,
		DealClosed: reply.DealClosed,
		Lost:       !reply.DealClosed && game.Lost(next),
	}

	o.mu.Lock()
	o.history = append(o.history,
		llm.Message{Role: "user", Content: userText},
		llm.Message{Role: "assistant", Content: reply.Text},
	)
	o.patience = next
	o.session.Turns++
	turnIndex := o.session.Turns - 1
	sessionID := o.session.ID
	o.mu.Unlock()

	if o.persist != nil {
		go func() {
			pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pcancel()
			if err := o.persist.AppendTurn(pctx, store.Turn{
				SessionID: sessionID,
				Index:     turnIndex,
				UserText:  userText,
				ReplyText: reply.Text,
				Sentiment: string(reply.Sentiment),
				Patience:  next,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				log.Printf("store: append turn: %v", err)
			}
		}()
	}

	if o.ev.OnTurn != nil {
		o.ev.OnTurn(result)
	}

	audio, err := o.voice.Synthesize(ctx, reply.Text)
	if err != nil {
		// The turn already counted; treat missing audio as instant playback end.
		log.Printf("tts error: %v", err)
		o.finishTurn(result)
		return
	}

	o.player.Play(audio, func(playErr error) {
		if playErr != nil {
			log.Printf("playback error: %v", playErr)
		}
		o.finishTurn(result)
	})
}

// finishTurn runs after the prospect's audio is done (or failed). A
// game-ending turn closes the session; otherwise the mic is re-armed.
func (o *Orchestrator) finishTurn(result TurnResult) {
	if !result.Over() {
		o.machine.SetSuppressed(false)
		return
	}
	o.mu.Lock()
	if o.active {
		now := time.Now().UTC()
		o.session.EndedAt = &now
		o.session.PatienceEnd = result.Patience
		o.session.DealClosed = result.DealClosed
		o.active = false
	}
	s := o.session
	o.mu.Unlock()

	if o.persist != nil {
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.persist.EndSession(pctx, s); err != nil {
			log.Printf("store: end session: %v", err)
		}
		pcancel()
	}
	if o.ev.OnGameOver != nil {
		o.ev.OnGameOver(s)
	}
}
