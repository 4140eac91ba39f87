package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/app"
	"battle-sync-service/internal/config"
	"battle-sync-service/internal/deadline"
	"battle-sync-service/internal/infra/memory"
	pgloader "battle-sync-service/internal/infra/postgres"
	infraredis "battle-sync-service/internal/infra/redis"
	"battle-sync-service/internal/normalize"
	transport "battle-sync-service/internal/transport/http"
	natssource "battle-sync-service/internal/transport/nats"
	"battle-sync-service/internal/transport/upstream"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the battle sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// pushSource is both ends of the push channel: engines subscribe, /events publishes.
type pushSource interface {
	app.PushSource
	transport.Publisher
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base url not configured")
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	loader, err := matchupLoader(cfg, pool)
	if err != nil {
		return err
	}

	matchupTTL := config.TTLDuration(cfg.Matchups.TTL, 10*time.Minute)
	var matchups app.MatchupRepository
	if redisClient != nil {
		matchups = infraredis.NewMatchupRepository(redisClient, loader, matchupTTL)
	} else {
		matchups = memory.NewMatchupRepository(loader, matchupTTL)
	}

	var registry app.Registry
	var refresher *infraredis.EngineStore
	if redisClient != nil {
		refresher = infraredis.NewEngineStore(redisClient, redisTTL, cfg.Server.Node)
		registry = refresher
	} else {
		registry = memory.NewEngineStore()
	}

	broker := memory.NewBroker()
	var push pushSource = broker
	if cfg.NATS.URL != "" {
		natsCfg := natssource.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.StreamName = cfg.NATS.Stream
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		source, err := natssource.NewSource(ctx, natsCfg)
		if err != nil {
			return err
		}
		defer source.Close()
		push = source
	}

	var results app.ResultSink = broker
	if redisClient != nil {
		results = infraredis.NewResultStore(redisClient, 24*time.Hour)
	}

	submitter := upstream.NewClient(cfg.Upstream.BaseURL, config.TTLDuration(cfg.Upstream.Timeout, 10*time.Second))
	if cfg.Upstream.Token != "" {
		submitter.SetHeader("Authorization", "Bearer "+cfg.Upstream.Token)
	}

	service := app.NewBattleService(registry, push, matchups, results, submitter, app.ServiceOptions{
		Chart:           cfg.Matchups.Chart,
		Normalizer:      normalize.New(cfg.Engine.Locales...),
		ConfusionChance: cfg.Engine.ConfusionChance,
		TickInterval:    config.TTLDuration(cfg.Engine.TickInterval, deadline.DefaultTick),
	})
	wsHandler := transport.NewWSHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.Handle("/events", transport.NewEventsHandler(push))

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	if refresher != nil {
		go refreshLiveness(runCtx, refresher, redisTTL/2)
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting battle sync service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	service.Close(shutdownCtx)
	return err
}

func refreshLiveness(ctx context.Context, store *infraredis.EngineStore, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to refresh engine liveness")
			}
		}
	}
}

// matchupLoader picks the chart source: Postgres, a YAML chart file, or the built-in chart.
func matchupLoader(cfg config.Config, pool *pgxpool.Pool) (memory.MatchupLoader, error) {
	if pool != nil {
		return pgloader.NewMatchupLoader(pool), nil
	}
	charts, err := fileCharts(cfg)
	if err != nil {
		return nil, err
	}
	return memory.NewStaticChartLoader(charts), nil
}

func fileCharts(cfg config.Config) (map[string]advantage.Table, error) {
	if cfg.Matchups.File == "" {
		return map[string]advantage.Table{cfg.Matchups.Chart: advantage.DefaultChart()}, nil
	}
	data, err := os.ReadFile(cfg.Matchups.File)
	if err != nil {
		return nil, fmt.Errorf("read matchups file: %w", err)
	}
	return advantage.ParseCharts(data)
}
