package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/ledger/internal/cache"
	"kasirinaja/ledger/internal/config"
	"kasirinaja/ledger/internal/httpapi"
	"kasirinaja/ledger/internal/lock"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/memory"
	pgstore "kasirinaja/ledger/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		config.LogError(logger, "main", "main", "validate config", nil, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		config.LogError(logger, "main", "openRepository", "refusing to start with in-memory fallback", nil, err)
		os.Exit(1)
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	summaries, locker, closeRedis := openCoordination(ctx, cfg, logger)
	if closeRedis != nil {
		closers = append(closers, closeRedis)
	}

	svc := service.New(repo, service.Options{
		Locker:         locker,
		Summaries:      summaries,
		SummaryTTL:     cfg.SummaryCacheTTL(),
		Logger:         logger,
		DefaultStoreID: cfg.StoreID,
	})
	api := httpapi.New(svc, httpapi.NewIdentityVerifier(cfg.IdentitySecret, cfg.IdentityIssuer), cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("ledger listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			config.LogError(logger, "main", "ListenAndServe", "server error", nil, err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warnf("close error: %v", err)
		}
	}

	logger.Info("server stopped")
}

// openRepository uses Postgres when DATABASE_URL is set and the seeded
// in-memory store otherwise. A configured but unreachable database is fatal.
func openRepository(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("repository", "memory").Info("repository ready")
		return memory.NewSeeded(), nil, nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.WithField("repository", "postgres").Info("repository ready")
	return pg, pg.Close, nil
}

// openCoordination wires the summary cache and aggregate locks to Redis when
// it is configured and reachable. Without Redis the server runs single
// instance with in-process locks.
func openCoordination(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (cache.SummaryCache, lock.Locker, func() error) {
	if cfg.RedisAddr == "" {
		logger.WithField("coordination", "local").Info("redis not configured")
		return cache.NoopSummaryCache{}, lock.NewLocal(), nil
	}
	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	summaries := cache.NewRedisSummaryCache(client)
	if err := summaries.Ping(ctx); err != nil {
		logger.Warnf("redis unavailable (%v), using noop cache and local locks", err)
		_ = client.Close()
		return cache.NoopSummaryCache{}, lock.NewLocal(), nil
	}
	logger.WithField("coordination", "redis").Info("redis ready")
	return summaries, lock.NewRedis(client, cfg.LockTTL()), client.Close
}
