package postgres

import (
	"context"
	"fmt"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/domain"
	"github.com/jackc/pgx/v4/pgxpool"
)

// MatchupLoader loads type charts from Postgres.
type MatchupLoader struct {
	pool *pgxpool.Pool
}

func NewMatchupLoader(pool *pgxpool.Pool) *MatchupLoader {
	return &MatchupLoader{pool: pool}
}

func (l *MatchupLoader) LoadMatchups(ctx context.Context, chart string) ([]advantage.Matchup, error) {
	rows, err := l.pool.Query(ctx, `SELECT attacker, defender FROM type_matchups WHERE chart=$1 ORDER BY attacker, defender`, chart)
	if err != nil {
		return nil, fmt.Errorf("load matchups: %w", err)
	}
	defer rows.Close()

	var out []advantage.Matchup
	for rows.Next() {
		var attacker, defender string
		if err := rows.Scan(&attacker, &defender); err != nil {
			return nil, fmt.Errorf("scan matchup: %w", err)
		}
		out = append(out, advantage.Matchup{
			Attacker: domain.ElementType(attacker),
			Defender: domain.ElementType(defender),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load matchups: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chart %q: %w", chart, domain.ErrChartNotFound)
	}
	return out, nil
}

// SaveMatchups replaces a chart's rows in one transaction.
func (l *MatchupLoader) SaveMatchups(ctx context.Context, chart string, rows []advantage.Matchup) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save matchups: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM type_matchups WHERE chart=$1`, chart); err != nil {
		return fmt.Errorf("clear chart: %w", err)
	}
	for _, r := range rows {
		_, err := tx.Exec(ctx,
			`INSERT INTO type_matchups (chart, attacker, defender) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			chart, string(r.Attacker), string(r.Defender))
		if err != nil {
			return fmt.Errorf("insert matchup: %w", err)
		}
	}
	return tx.Commit(ctx)
}
