package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/saldanaj97/atlaris-sub003/internal/config"
	"github.com/saldanaj97/atlaris-sub003/internal/curation"
	"github.com/saldanaj97/atlaris-sub003/internal/generate"
	"github.com/saldanaj97/atlaris-sub003/internal/models"
	"github.com/saldanaj97/atlaris-sub003/internal/provider"
	"github.com/saldanaj97/atlaris-sub003/internal/ratelimit"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/tasks"
	"github.com/saldanaj97/atlaris-sub003/internal/telemetry"
	"github.com/saldanaj97/atlaris-sub003/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewFixedWindow(redisClient, "generate", cfg.RateLimitMax, cfg.RateLimitWindow)

	guard := store.NewGuard(st, limiter, cfg.MaxPlanAttempts, logger)
	pipeline := generate.New(provider.NewClient(cfg), logger)
	taskSet := tasks.NewSet(logger, time.Minute)
	enricher := curation.NewClient(cfg.CurationServiceURL)

	loop := worker.New(st, worker.Options{
		PollInterval:   cfg.WorkerPollInterval,
		Concurrency:    cfg.WorkerConcurrency,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		StaleAfter:     cfg.WorkerStaleAfter,
		ReclaimEvery:   cfg.WorkerReclaimInterval,
	}, logger)

	loop.Register(models.JobTypeGeneration,
		worker.NewGenerationHandler(pipeline, st, guard, enricher, st, taskSet, logger))
	loop.Register(models.JobTypeRegeneration,
		worker.NewRegenerationHandler(pipeline, st, guard, enricher, st, taskSet, logger))
	loop.OnStop(st.Close)
	loop.OnStop(func() { _ = redisClient.Close() })

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	loop.Start()
	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency, "poll_interval", cfg.WorkerPollInterval.String())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelStop()
	if err := loop.Stop(stopCtx); err != nil {
		logger.Error("worker stop", "error", err)
	}
	taskSet.Wait()
}
