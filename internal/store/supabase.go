package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/radebe49/objection-dojo/internal/game"
)

const (
	sessionsTable = "pitch_sessions"
	turnsTable    = "pitch_turns"
)

// Supabase persists sessions and turns in Postgres via the Supabase REST
// API. Leaderboard aggregation happens client-side over ended sessions.
type Supabase struct {
	client *supabase.Client
}

func NewSupabase(url, serviceKey string) (*Supabase, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase: create client: %w", err)
	}
	return &Supabase{client: client}, nil
}

type sessionRow struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id,omitempty"`
	PatienceEnd int     `json:"patience_end"`
	DealClosed  bool    `json:"deal_closed"`
	Turns       int     `json:"turns"`
	StartedAt   string  `json:"started_at"`
	EndedAt     *string `json:"ended_at,omitempty"`
}

const pgTimeLayout = "2006-01-02T15:04:05.999999Z07:00"

func toRow(s game.Session) sessionRow {
	row := sessionRow{
		ID:          s.ID,
		UserID:      s.UserID,
		PatienceEnd: s.PatienceEnd,
		DealClosed:  s.DealClosed,
		Turns:       s.Turns,
		StartedAt:   s.StartedAt.UTC().Format(pgTimeLayout),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.UTC().Format(pgTimeLayout)
		row.EndedAt = &ended
	}
	return row
}

func fromRow(r sessionRow) game.Session {
	s := game.Session{
		ID:          r.ID,
		UserID:      r.UserID,
		PatienceEnd: r.PatienceEnd,
		DealClosed:  r.DealClosed,
		Turns:       r.Turns,
	}
	if t, err := time.Parse(pgTimeLayout, r.StartedAt); err == nil {
		s.StartedAt = t
	}
	if r.EndedAt != nil {
		if t, err := time.Parse(pgTimeLayout, *r.EndedAt); err == nil {
			s.EndedAt = &t
		}
	}
	return s
}

func (s *Supabase) CreateSession(_ context.Context, sess game.Session) error {
	_, _, err := s.client.From(sessionsTable).Insert(toRow(sess), false, "", "", "").Execute()
	if err != nil {
		return fmt.Errorf("supabase: insert session: %w", err)
	}
	return nil
}

func (s *Supabase) EndSession(_ context.Context, sess game.Session) error {
	_, _, err := s.client.From(sessionsTable).
		Update(toRow(sess), "", "").
		Eq("id", sess.ID).
		Execute()
	if err != nil {
		return fmt.Errorf("supabase: update session: %w", err)
	}
	return nil
}

func (s *Supabase) AppendTurn(_ context.Context, t Turn) error {
	_, _, err := s.client.From(turnsTable).Insert(t, false, "", "", "").Execute()
	if err != nil {
		return fmt.Errorf("supabase: insert turn: %w", err)
	}
	return nil
}

func (s *Supabase) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	data, _, err := s.client.From(turnsTable).
		Select("*", "", false).
		Eq("session_id", sessionID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("supabase: select turns: %w", err)
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("supabase: decode turns: %w", err)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Index < turns[j].Index })
	return turns, nil
}

func (s *Supabase) Session(_ context.Context, id string) (game.Session, error) {
	data, _, err := s.client.From(sessionsTable).
		Select("*", "", false).
		Eq("id", id).
		Execute()
	if err != nil {
		return game.Session{}, fmt.Errorf("supabase: select session: %w", err)
	}
	var rows []sessionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return game.Session{}, fmt.Errorf("supabase: decode session: %w", err)
	}
	if len(rows) == 0 {
		return game.Session{}, fmt.Errorf("store: session %s not found", id)
	}
	return fromRow(rows[0]), nil
}

func (s *Supabase) Leaderboard(_ context.Context, limit int) ([]game.LeaderboardEntry, error) {
	data, _, err := s.client.From(sessionsTable).
		Select("*", "", false).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("supabase: select sessions: %w", err)
	}
	var rows []sessionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("supabase: decode sessions: %w", err)
	}
	sessions := make([]game.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, fromRow(r))
	}
	return aggregateLeaderboard(sessions, limit), nil
}
