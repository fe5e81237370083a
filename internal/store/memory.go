package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/radebe49/objection-dojo/internal/game"
)

// Memory is the in-process fallback store used when Supabase is not
// configured. It holds everything in maps and computes the leaderboard
// on read.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]game.Session
	turns    map[string][]Turn
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]game.Session),
		turns:    make(map[string][]Turn),
	}
}

func (m *Memory) CreateSession(_ context.Context, s game.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("store: session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) EndSession(_ context.Context, s game.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("store: session %s not found", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) AppendTurn(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[t.SessionID]; !ok {
		return fmt.Errorf("store: session %s not found", t.SessionID)
	}
	m.turns[t.SessionID] = append(m.turns[t.SessionID], t)
	return nil
}

func (m *Memory) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("store: session %s not found", sessionID)
	}
	stored := m.turns[sessionID]
	out := make([]Turn, len(stored))
	copy(out, stored)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) Session(_ context.Context, id string) (game.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return game.Session{}, fmt.Errorf("store: session %s not found", id)
	}
	return s, nil
}

func (m *Memory) Leaderboard(_ context.Context, limit int) ([]game.LeaderboardEntry, error) {
	m.mu.Lock()
	sessions := make([]game.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	return aggregateLeaderboard(sessions, limit), nil
}

// aggregateLeaderboard folds ended sessions into per-user entries ranked
// by wins, ties broken by fewest turns to a win.
func aggregateLeaderboard(sessions []game.Session, limit int) []game.LeaderboardEntry {
	byUser := make(map[string]*game.LeaderboardEntry)
	patienceSum := make(map[string]int)
	for _, s := range sessions {
		if s.EndedAt == nil || s.UserID == "" {
			continue
		}
		e, ok := byUser[s.UserID]
		if !ok {
			e = &game.LeaderboardEntry{UserID: s.UserID}
			byUser[s.UserID] = e
		}
		e.TotalSessions++
		patienceSum[s.UserID] += s.PatienceEnd
		if s.DealClosed {
			e.Wins++
			turns := s.Turns
			if e.BestTurnsToWin == nil || turns < *e.BestTurnsToWin {
				e.BestTurnsToWin = &turns
			}
		} else if game.Lost(s.PatienceEnd) {
			e.Losses++
		}
	}

	entries := make([]game.LeaderboardEntry, 0, len(byUser))
	for id, e := range byUser {
		e.AvgPatienceEnd = patienceSum[id] / e.TotalSessions
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Wins != entries[j].Wins {
			return entries[i].Wins > entries[j].Wins
		}
		bi, bj := entries[i].BestTurnsToWin, entries[j].BestTurnsToWin
		switch {
		case bi != nil && bj != nil && *bi != *bj:
			return *bi < *bj
		case bi != nil && bj == nil:
			return true
		case bi == nil && bj != nil:
			return false
		}
		return entries[i].UserID < entries[j].UserID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
