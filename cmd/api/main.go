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

	"github.com/saldanaj97/atlaris-sub003/internal/api"
	"github.com/saldanaj97/atlaris-sub003/internal/config"
	"github.com/saldanaj97/atlaris-sub003/internal/curation"
	"github.com/saldanaj97/atlaris-sub003/internal/generate"
	"github.com/saldanaj97/atlaris-sub003/internal/provider"
	"github.com/saldanaj97/atlaris-sub003/internal/ratelimit"
	"github.com/saldanaj97/atlaris-sub003/internal/store"
	"github.com/saldanaj97/atlaris-sub003/internal/stream"
	"github.com/saldanaj97/atlaris-sub003/internal/tasks"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewFixedWindow(redisClient, "generate", cfg.RateLimitMax, cfg.RateLimitWindow)

	guard := store.NewGuard(st, limiter, cfg.MaxPlanAttempts, logger)
	pipeline := generate.New(provider.NewClient(cfg), logger)
	streamer := stream.New(logger)
	taskSet := tasks.NewSet(logger, time.Minute)
	enricher := curation.NewClient(cfg.CurationServiceURL)

	server := api.New(cfg, st, st, guard, pipeline, streamer, enricher, st, taskSet, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	taskSet.Wait()
}
