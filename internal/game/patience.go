package game

import (
	"fmt"
	"strings"
	"time"
)

// Sentiment is the persona's read of the latest pitch turn.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// ParseSentiment normalizes and validates a sentiment string.
func ParseSentiment(s string) (Sentiment, error) {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive:
		return SentimentPositive, nil
	case SentimentNegative:
		return SentimentNegative, nil
	case SentimentNeutral:
		return SentimentNeutral, nil
	}
	return "", fmt.Errorf("game: sentiment must be positive, negative or neutral, got %q", s)
}

// Patience meter bounds and starting value.
const (
	PatienceMin   = 0
	PatienceMax   = 100
	PatienceStart = 50
)

// NextPatience applies the sentiment delta to the current patience score:
// +15 for positive, -20 for negative, unchanged for neutral, clamped to
// [0,100]. Unknown sentiments leave the score untouched.
func NextPatience(current int, s Sentiment) int {
	delta := 0
	switch s {
	case SentimentPositive:
		delta = 15
	case SentimentNegative:
		delta = -20
	}
	next := current + delta
	if next < PatienceMin {
		return PatienceMin
	}
	if next > PatienceMax {
		return PatienceMax
	}
	return next
}

// Session is one pitch simulation run.
type Session struct {
	ID            string     `json:"session_id"`
	UserID        string     `json:"user_id,omitempty"`
	PatienceStart int        `json:"patience_start"`
	PatienceEnd   int        `json:"patience_end"`
	DealClosed    bool       `json:"deal_closed"`
	Turns         int        `json:"turns"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Lost reports whether the prospect ran out of patience.
func Lost(patience int) bool { return patience <= PatienceMin }

// LeaderboardEntry aggregates a player's results.
type LeaderboardEntry struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	Wins           int    `json:"wins"`
	Losses         int    `json:"losses"`
	TotalSessions  int    `json:"total_sessions"`
	BestTurnsToWin *int   `json:"best_turns_to_win,omitempty"`
	AvgPatienceEnd int    `json:"avg_patience_end"`
}
