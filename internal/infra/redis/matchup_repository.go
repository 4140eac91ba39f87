package redis

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// MatchupLoader fetches a type chart from a backing store (e.g., Postgres).
type MatchupLoader interface {
	LoadMatchups(ctx context.Context, chart string) ([]advantage.Matchup, error)
}

// MatchupRepository caches type charts in Redis (hash per chart) and falls back to a loader on cache miss.
// Charts are stored as: HSET battle:matchups:{chart} {attacker} {defender,defender,...}
type MatchupRepository struct {
	client *redis.Client
	loader MatchupLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewMatchupRepository(client *redis.Client, loader MatchupLoader, ttl time.Duration) *MatchupRepository {
	return &MatchupRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *MatchupRepository) Matchups(ctx context.Context, chart string) (advantage.Matchups, error) {
	table, err := r.Table(ctx, chart)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// Table returns the chart from Redis, loading and caching it on a miss.
func (r *MatchupRepository) Table(ctx context.Context, chart string) (advantage.Table, error) {
	key := r.key(chart)

	cached, err := r.client.HGetAll(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		return buildTableFromCache(cached), nil
	}

	result, err, _ := r.sf.Do(chart, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		cached, err := r.client.HGetAll(ctx, key).Result()
		if err == nil && len(cached) > 0 {
			return buildTableFromCache(cached), nil
		}

		rows, err := r.loader.LoadMatchups(ctx, chart)
		if err != nil {
			return advantage.Table(nil), err
		}
		table := advantage.NewTable(rows)

		byAttacker := make(map[domain.ElementType][]string)
		for _, row := range table.Rows() {
			byAttacker[row.Attacker] = append(byAttacker[row.Attacker], string(row.Defender))
		}
		pipe := r.client.Pipeline()
		for attacker, defenders := range byAttacker {
			pipe.HSet(ctx, key, string(attacker), strings.Join(defenders, ","))
		}
		if ttl := r.ttlWithJitter(); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(advantage.Table), nil
}

// Invalidate drops the cached chart so the next lookup reloads it.
func (r *MatchupRepository) Invalidate(ctx context.Context, chart string) error {
	return r.client.Del(ctx, r.key(chart)).Err()
}

func (r *MatchupRepository) key(chart string) string {
	return "battle:matchups:" + chart
}

func buildTableFromCache(cached map[string]string) advantage.Table {
	attackers := make([]string, 0, len(cached))
	for a := range cached {
		attackers = append(attackers, a)
	}
	sort.Strings(attackers)

	var rows []advantage.Matchup
	for _, a := range attackers {
		for _, d := range strings.Split(cached[a], ",") {
			if d == "" {
				continue
			}
			rows = append(rows, advantage.Matchup{
				Attacker: domain.ElementType(a),
				Defender: domain.ElementType(d),
			})
		}
	}
	return advantage.NewTable(rows)
}

func (r *MatchupRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
