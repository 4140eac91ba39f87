package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// MatchupLoader fetches a type chart from a backing store (e.g., Postgres).
type MatchupLoader interface {
	LoadMatchups(ctx context.Context, chart string) ([]advantage.Matchup, error)
}

// MatchupRepository caches type charts with TTL to avoid repeated DB hits.
type MatchupRepository struct {
	loader MatchupLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedChart
}

type cachedChart struct {
	table     advantage.Table
	expiresAt time.Time
}

func NewMatchupRepository(loader MatchupLoader, ttl time.Duration) *MatchupRepository {
	return &MatchupRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedChart),
	}
}

func (r *MatchupRepository) Matchups(ctx context.Context, chart string) (advantage.Matchups, error) {
	table, err := r.Table(ctx, chart)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// Table returns the cached chart, loading it on a miss.
func (r *MatchupRepository) Table(ctx context.Context, chart string) (advantage.Table, error) {
	now := r.clock()

	r.mu.RLock()
	if entry, ok := r.cache[chart]; ok && entry.expiresAt.After(now) {
		r.mu.RUnlock()
		return entry.table, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.sf.Do(chart, func() (interface{}, error) {
		now := r.clock()
		r.mu.RLock()
		if entry, ok := r.cache[chart]; ok && entry.expiresAt.After(now) {
			r.mu.RUnlock()
			return entry.table, nil
		}
		r.mu.RUnlock()

		rows, err := r.loader.LoadMatchups(ctx, chart)
		if err != nil {
			return advantage.Table(nil), err
		}
		table := advantage.NewTable(rows)

		r.mu.Lock()
		r.cache[chart] = cachedChart{
			table:     table,
			expiresAt: now.Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return table, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(advantage.Table), nil
}

func (r *MatchupRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticChartLoader is a simple loader backed by in-memory charts (useful for tests/demos).
type StaticChartLoader struct {
	charts map[string]advantage.Table
}

func NewStaticChartLoader(charts map[string]advantage.Table) *StaticChartLoader {
	return &StaticChartLoader{charts: charts}
}

func (l *StaticChartLoader) LoadMatchups(_ context.Context, chart string) ([]advantage.Matchup, error) {
	if table, ok := l.charts[chart]; ok {
		return table.Rows(), nil
	}
	return nil, fmt.Errorf("chart %q: %w", chart, domain.ErrChartNotFound)
}
