package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/config"
	"presence/internal/logger"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker applies the presence changes published by the API in queue mode.
func main() {
	cfg := config.Load()

	output := "stdout"
	if !cfg.Production() {
		output = "console"
	}
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Debug: cfg.LogDebug, Output: output}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Fatal().Msg("QUEUE_BACKEND=memory is drained inside the api process, the worker needs redis")
	}

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}

	redis := store.NewRedis(cfg.RedisAddr)
	defer redis.Close()
	if !redis.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will keep retrying")
	}

	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	q := queue.NewRedisQueue(redis.Client, cfg.QueueKey, logger.WithComponent("queue"))
	repo := attendance.NewRepository(db)

	log.Info().Str("key", cfg.QueueKey).Str("driver", db.Dialect.Driver).Msg("worker started, waiting for changes")
	if err := attendance.Drain(ctx, q, repo, log); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
