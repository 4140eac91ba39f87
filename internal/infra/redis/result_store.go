package redis

import (
	"context"
	"fmt"
	"time"

	"battle-sync-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ResultStore records final match scores.
// Results are stored as: HSET battle:result:{matchID} {participantID} {self}:{opponent}:{completedAtMs}
type ResultStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewResultStore(client *redis.Client, ttl time.Duration) *ResultStore {
	return &ResultStore{client: client, ttl: ttl}
}

// RecordResult implements app.ResultSink.
func (s *ResultStore) RecordResult(ctx context.Context, result domain.MatchResult) error {
	key := s.key(result.MatchID)
	value := fmt.Sprintf("%d:%d:%d", result.Self, result.Opponent, result.CompletedAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, result.ParticipantID, value)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record result %s: %w", result.MatchID, err)
	}
	return nil
}

// Results returns the recorded results for a match.
func (s *ResultStore) Results(ctx context.Context, matchID string) ([]domain.MatchResult, error) {
	raw, err := s.client.HGetAll(ctx, s.key(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load results %s: %w", matchID, err)
	}
	out := make([]domain.MatchResult, 0, len(raw))
	for participantID, value := range raw {
		var self, opponent, completedMs int64
		if _, err := fmt.Sscanf(value, "%d:%d:%d", &self, &opponent, &completedMs); err != nil {
			return nil, fmt.Errorf("parse result %s/%s: %w", matchID, participantID, err)
		}
		out = append(out, domain.MatchResult{
			MatchID:       matchID,
			ParticipantID: participantID,
			Self:          int(self),
			Opponent:      int(opponent),
			CompletedAt:   time.UnixMilli(completedMs).UTC(),
		})
	}
	return out, nil
}

func (s *ResultStore) key(matchID string) string {
	return "battle:result:" + matchID
}
