package memory

import (
	"context"
	"sync"

	"battle-sync-service/internal/app"
)

// EngineStore is an in-memory implementation of app.Registry.
type EngineStore struct {
	mu    sync.RWMutex
	duels map[string]*app.Duel
}

func NewEngineStore() *EngineStore {
	return &EngineStore{
		duels: make(map[string]*app.Duel),
	}
}

func (s *EngineStore) PutIfAbsent(_ context.Context, d *app.Duel) (*app.Duel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := duelKey(d.MatchID(), d.ParticipantID())
	if existing, ok := s.duels[key]; ok {
		return existing, false
	}
	s.duels[key] = d
	return d, true
}

func (s *EngineStore) Get(matchID, participantID string) (*app.Duel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.duels[duelKey(matchID, participantID)]
	return d, ok
}

func (s *EngineStore) Delete(_ context.Context, matchID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.duels, duelKey(matchID, participantID))
}

func (s *EngineStore) All() []*app.Duel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*app.Duel, 0, len(s.duels))
	for _, d := range s.duels {
		out = append(out, d)
	}
	return out
}

func duelKey(matchID, participantID string) string {
	return matchID + "/" + participantID
}
