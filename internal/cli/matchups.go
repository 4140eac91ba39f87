package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/config"
	pgloader "battle-sync-service/internal/infra/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
)

// NewMatchupsCmd prints the resolved type chart, optionally seeding Postgres from the chart file.
func NewMatchupsCmd(configPath *string) *cobra.Command {
	var chart string
	var seed bool
	cmd := &cobra.Command{
		Use:   "matchups",
		Short: "Print the type matchup chart the engines resolve advantage with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatchups(cmd.Context(), cmd.OutOrStdout(), *configPath, chart, seed)
		},
	}
	cmd.Flags().StringVar(&chart, "chart", "", "chart name (defaults to matchups.chart)")
	cmd.Flags().BoolVar(&seed, "seed", false, "write the chart from matchups.file into Postgres")
	return cmd
}

func runMatchups(ctx context.Context, out io.Writer, configPath, chart string, seed bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if chart == "" {
		chart = cfg.Matchups.Chart
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	if seed {
		if pool == nil {
			return fmt.Errorf("postgres url not configured")
		}
		charts, err := fileCharts(cfg)
		if err != nil {
			return err
		}
		table, ok := charts[chart]
		if !ok {
			return fmt.Errorf("chart %q not in matchups file", chart)
		}
		if err := pgloader.NewMatchupLoader(pool).SaveMatchups(ctx, chart, table.Rows()); err != nil {
			return err
		}
	}

	loader, err := matchupLoader(cfg, pool)
	if err != nil {
		return err
	}
	rows, err := loader.LoadMatchups(ctx, chart)
	if err != nil {
		return err
	}
	return printMatchups(out, chart, advantage.NewTable(rows))
}

func printMatchups(out io.Writer, chart string, table advantage.Table) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "CHART\tATTACKER\tSTRONG AGAINST\n")
	for _, row := range table.Rows() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", chart, row.Attacker, row.Defender)
	}
	return w.Flush()
}
