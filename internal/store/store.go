package store

import (
	"context"
	"time"

	"github.com/radebe49/objection-dojo/internal/game"
)

// Turn is one persisted exchange inside a session: what the player said
// and how the prospect reacted.
type Turn struct {
	SessionID string    `json:"session_id"`
	Index     int       `json:"turn_index"`
	UserText  string    `json:"user_text"`
	ReplyText string    `json:"reply_text"`
	Sentiment string    `json:"sentiment"`
	Patience  int       `json:"patience"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists sessions and turns. Persistence is best-effort for the
// live voice path; a failed write must never break a call in progress.
type Store interface {
	CreateSession(ctx context.Context, s game.Session) error
	EndSession(ctx context.Context, s game.Session) error
	AppendTurn(ctx context.Context, t Turn) error
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
	Session(ctx context.Context, id string) (game.Session, error)
	Leaderboard(ctx context.Context, limit int) ([]game.LeaderboardEntry, error)
}
