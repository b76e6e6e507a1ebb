package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/rules"
	"billing-validation-pipeline/internal/store"
	"billing-validation-pipeline/internal/telemetry"
	workerproc "billing-validation-pipeline/internal/worker"
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

	engine := rules.DefaultEngine()
	processor := workerproc.NewProcessor(cfg, q, st, files, engine)

	heartbeat := workerproc.NewHeartbeat(cfg)
	go heartbeat.Start(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"max_attempts", cfg.MaxAttempts,
		"backoff_initial", cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped", "error", err)
	}
}
