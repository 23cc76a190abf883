package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/api"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/query/cache"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/sweep"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("index service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index service stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting index service", "port", cfg.Server.Port, "store", cfg.Store.Backend)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	checker := health.NewChecker()

	var pg *postgres.Client
	if cfg.Store.Backend == "postgres" || cfg.Entities.Source == "postgres" {
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer client.Close()
		pg = client
		checker.Register("postgres", health.PingCheck(pg, false))
	}

	backend, err := openStore(ctx, cfg, pg)
	if err != nil {
		return err
	}
	defer backend.Close()
	if p, ok := backend.(store.Pinger); ok {
		checker.Register("store", health.PingCheck(p, false))
	}

	reg, err := registry.FromSchema(cfg.Schema)
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	resolver := registry.NewResolver(reg, registry.NewCache(cfg.Index.MetadataCacheSize, cfg.Index.MetadataCacheTTL), m)
	slog.Info("schema loaded", "types", reg.Types())

	clock := store.NewClock()
	entries := index.NewStore(backend, m)
	geoIndex := geo.New(entries, clock, geo.Config{
		MaxIterations: cfg.Geo.MaxIterations,
		MaxRing:       cfg.Geo.MaxRing,
		DefaultLimit:  cfg.Query.DefaultLimit,
		MaxLimit:      cfg.Query.MaxLimit,
	}, m)
	engine := update.NewEngine(entries, geoIndex, resolver, clock, update.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Index.RetryAttempts,
			InitialDelay:   cfg.Index.RetryInitialDelay,
			MaxDelay:       cfg.Index.RetryMaxDelay,
			Multiplier:     2.0,
			JitterFraction: 0.1,
		},
		WriteConcurrency: cfg.Index.WriteConcurrency,
	}, m)

	var loader entity.Loader
	var snapshots *entity.SnapshotStore
	switch cfg.Entities.Source {
	case "postgres":
		pl, err := entity.NewPostgresLoader(pg, cfg.Entities.Table)
		if err != nil {
			return err
		}
		if err := pl.EnsureSchema(ctx); err != nil {
			return err
		}
		loader = pl
	default:
		snapshots = entity.NewSnapshotStore(backend)
		loader = snapshots
	}
	evaluator := query.NewEvaluator(entries, geoIndex, loader, resolver, query.Config{
		DefaultLimit: cfg.Query.DefaultLimit,
		MaxLimit:     cfg.Query.MaxLimit,
		Timeout:      cfg.Query.Timeout,
	}, m)

	var redisClient *pkgredis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			checker.Register("redis", health.PingCheck(redisClient, true))
		}
	}
	queryCache := cache.New(redisClient, cfg.Redis.CacheTTL, evaluator, m)
	if redisClient != nil {
		engine.AddListener(queryCache)
		slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	sweeper := sweep.New(entries, clock, sweep.Config{
		Interval:      cfg.Sweep.Interval,
		GracePeriod:   cfg.Sweep.GracePeriod,
		BatchSize:     cfg.Sweep.BatchSize,
		RatePerSecond: cfg.Sweep.RatePerSecond,
	}, m)
	if cfg.Sweep.Enabled {
		go sweeper.Run(ctx)
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexUpdates)
		defer producer.Close()
		publisher := events.NewPublisher(producer, 10000)
		// Not tied to the signal: requests still draining after SIGTERM
		// publish their batches, and Close flushes once run returns.
		publisher.Start(context.Background())
		defer publisher.Close()
		engine.AddListener(publisher)
		slog.Info("index update events enabled", "topic", producer.Topic())

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SweepRequests, events.SweepHandler(sweeper))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("sweep request consumer error", "error", err)
			}
		}()
		slog.Info("listening for sweep requests", "topic", cfg.Kafka.Topics.SweepRequests)
	}

	h := api.NewHandler(engine, queryCache, geoIndex, clock, sweeper)
	if snapshots != nil {
		h.WithSnapshots(snapshots)
	}
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port
	router := api.NewRouter(h, checker, m, api.RouterConfig{
		RequestTimeout: cfg.Server.WriteTimeout,
		SlowRequest:    time.Second,
		ServeMetrics:   cfg.Metrics.Enabled && !separateMetrics,
	})
	if separateMetrics {
		shutdownMetrics, err := metrics.StartServer(fmt.Sprintf(":%d", cfg.Metrics.Port), nil)
		if err != nil {
			return err
		}
		defer shutdownMetrics(context.Background())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("index service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	<-drained
	return nil
}

// closer is a backing store the daemon owns.
type closer interface {
	store.Store
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, pg *postgres.Client) (closer, error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := store.NewPostgres(pg, cfg.Store.Table, cfg.Store.TombstoneTTL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		slog.Info("postgres store ready", "table", cfg.Store.Table)
		return s, nil
	default:
		s, err := store.OpenBadger(store.BadgerOptions{
			DataDir:      cfg.Store.DataDir,
			InMemory:     cfg.Store.InMemory,
			TombstoneTTL: cfg.Store.TombstoneTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		slog.Info("badger store ready", "data_dir", cfg.Store.DataDir, "in_memory", cfg.Store.InMemory)
		return s, nil
	}
}
