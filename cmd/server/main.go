package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"chainlog/internal/audit"
	auditcache "chainlog/internal/audit/cache"
	"chainlog/internal/audit/fallback"
	"chainlog/internal/audit/handler"
	auditmetrics "chainlog/internal/audit/metrics"
	"chainlog/internal/audit/mirror"
	memorystore "chainlog/internal/audit/store/memory"
	postgresstore "chainlog/internal/audit/store/postgres"
	"chainlog/internal/platform/config"
	"chainlog/internal/platform/httpserver"
	"chainlog/internal/platform/logger"
	platformredis "chainlog/internal/platform/redis"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// All audit semantics live in the internal/audit packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg, log)
	if err != nil {
		log.Error("chain store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	fallbackLog, err := fallback.New(cfg.FallbackDir)
	if err != nil {
		log.Error("fallback log init failed", "dir", cfg.FallbackDir, "error", err)
		os.Exit(1)
	}

	metrics := auditmetrics.New(nil)

	cacheOpts := []auditcache.Option{auditcache.WithLogger(log)}
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		// The cache tier is an optimization; run without it rather than die.
		log.Warn("redis unavailable, running without shared last-hash cache", "error", err)
	} else if redisClient != nil {
		defer redisClient.Close()
		cacheOpts = append(cacheOpts, auditcache.WithRedis(redisClient.Client, time.Hour))
	}
	lastHashCache := auditcache.New(cacheOpts...)

	loggerOpts := []audit.Option{
		audit.WithLogger(log),
		audit.WithCache(lastHashCache),
		audit.WithMetrics(metrics),
		audit.WithStoreTimeout(cfg.StoreTimeout),
	}
	if len(cfg.KafkaBrokers) > 0 {
		m, err := mirror.New(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Warn("audit mirror unavailable, continuing without it", "error", err)
		} else {
			defer m.Close()
			loggerOpts = append(loggerOpts, audit.WithMirror(m))
		}
	}

	auditLogger := audit.NewLogger(store, fallbackLog, loggerOpts...)
	verifier := audit.NewVerifier(store, audit.WithVerifierMetrics(metrics))
	replayer := audit.NewReplayer(fallbackLog, auditLogger,
		audit.WithReplayerLogger(log),
		audit.WithReplayerMetrics(metrics),
	)

	router := chi.NewRouter()
	handler.New(auditLogger, store, verifier, replayer, fallbackLog, cfg.AdminJWTKey, log).Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting chainlog", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.ReplayInterval > 0 {
		g.Go(func() error {
			return replayLoop(ctx, replayer, cfg.ReplayInterval, log)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func buildStore(cfg config.Config, log *slog.Logger) (audit.ChainStore, func(), error) {
	if cfg.PostgresURL == "" {
		log.Warn("no CHAINLOG_POSTGRES_URL set, using in-memory chain store")
		return memorystore.New(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := postgresstore.EnsureSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgresstore.New(db), func() { db.Close() }, nil
}

// replayLoop drains the fallback backlog on a fixed interval so recovery
// does not depend on an operator noticing the store came back.
func replayLoop(ctx context.Context, replayer *audit.Replayer, interval time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := replayer.ReplayPending(ctx); err != nil {
				log.Error("scheduled fallback replay failed", "error", err)
			}
		}
	}
}
