package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ryanbastic/go-cosync/internal/api"
	"github.com/ryanbastic/go-cosync/internal/config"
	"github.com/ryanbastic/go-cosync/internal/hub"
	"github.com/ryanbastic/go-cosync/internal/metrics"
	"github.com/ryanbastic/go-cosync/internal/storage"
)

func main() {
	cfg := config.LoadServer()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends := make(map[string]api.Pinger)

	var store storage.ChangeStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		if err := storage.RunMigrations(ctx, pool); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations complete")

		prometheus.MustRegister(metrics.NewPoolCollector(pool))
		pg := storage.NewPostgresStore(pool, cfg.Document, cfg.QueryTimeout)
		backends["postgres"] = pg
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, changes are kept in memory")
		store = storage.NewMemoryStore()
	}

	opts := hub.Options{
		Logger:       logger,
		Observer:     metrics.Relay{},
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
	}

	var relay *hub.RedisRelay
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		relay = hub.NewRedisRelay(client, cfg.Document, logger)
		backends["redis"] = relay
		opts.Publisher = relay
	}

	h := hub.New(store, opts)

	if relay != nil {
		go func() {
			if err := relay.Run(ctx, h.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	handler := api.NewServer(logger, api.Deps{
		Document: cfg.Document,
		Store:    store,
		Relay:    h,
		Peers:    h,
		Backends: backends,
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Port, "document", cfg.Document)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	h.Close()

	logger.Info("shutdown complete")
}
