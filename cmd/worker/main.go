package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"attendx/internal/bootstrap"
	"attendx/internal/config"
	"attendx/internal/logger"
)

// Worker consumes queued check-in jobs and verifies them against stored faces.
func main() {
	cfg := config.Load()
	log := logger.SetupDefault(nil, !cfg.Production())

	if cfg.QueueBackend == "memory" {
		log.Error("worker needs a shared queue, QUEUE_BACKEND=memory is only served by the api process")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Error("worker init failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if !app.Checks["ai"](ctx) {
		log.Warn("face model not reachable, jobs will fail until it is")
	}

	log.Info("worker started, waiting for messages")
	if err := app.Consume(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
		return
	}
	log.Info("worker stopped")
}
