package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"billing-validation-pipeline/internal/api"
	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/ratelimit"
	"billing-validation-pipeline/internal/store"
	"billing-validation-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := logging.Init(cfg.Env); err != nil {
		panic(err)
	}
	defer func() { _ = logging.Sync() }()
	log := logging.L()

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
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	files, err := filestore.FromConfig(ctx, cfg)
	if err != nil {
		log.Fatalw("init file store", "error", err)
	}

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	heartbeat := worker.NewHeartbeat(cfg)

	server := api.New(cfg, st, q, files, limiter, heartbeat)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
