package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"battle-sync-service/internal/app"
	"github.com/redis/go-redis/v9"
)

// EngineStore is a Redis-aware implementation of app.Registry.
// Engines are process-local, so the duels themselves live in a local map;
// Redis carries a liveness marker per duel so other instances can tell
// where a participant is connected.
type EngineStore struct {
	client *redis.Client
	ttl    time.Duration
	node   string

	mu    sync.RWMutex
	duels map[string]*app.Duel
}

func NewEngineStore(client *redis.Client, ttl time.Duration, node string) *EngineStore {
	if node == "" {
		node = "1"
	}
	return &EngineStore{
		client: client,
		ttl:    ttl,
		node:   node,
		duels:  make(map[string]*app.Duel),
	}
}

func (s *EngineStore) PutIfAbsent(ctx context.Context, d *app.Duel) (*app.Duel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(d.MatchID(), d.ParticipantID())
	if existing, ok := s.duels[key]; ok {
		return existing, false
	}
	s.duels[key] = d
	// best-effort liveness marker
	_ = s.client.Set(ctx, key, s.node, s.ttl).Err()
	return d, true
}

func (s *EngineStore) Get(matchID, participantID string) (*app.Duel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.duels[s.key(matchID, participantID)]
	return d, ok
}

func (s *EngineStore) Delete(ctx context.Context, matchID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(matchID, participantID)
	if _, ok := s.duels[key]; !ok {
		return
	}
	delete(s.duels, key)
	_ = s.client.Del(ctx, key).Err()
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

// Refresh extends the liveness markers of every local duel.
func (s *EngineStore) Refresh(ctx context.Context) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.duels))
	for k := range s.duels {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	if len(keys) == 0 || s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, k := range keys {
		pipe.Expire(ctx, k, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Owner returns the node that holds a participant's engine, if any.
func (s *EngineStore) Owner(ctx context.Context, matchID, participantID string) (string, bool, error) {
	node, err := s.client.Get(ctx, s.key(matchID, participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return node, true, nil
}

func (s *EngineStore) key(matchID, participantID string) string {
	return "battle:engine:" + matchID + ":" + participantID
}
