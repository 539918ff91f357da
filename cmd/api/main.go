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

	"github.com/gin-gonic/gin"

	"attendx/internal/bootstrap"
	"attendx/internal/config"
	"attendx/internal/handler"
	"attendx/internal/logger"
	"attendx/internal/metrics"
)

func main() {
	cfg := config.Load()
	log := logger.SetupDefault(nil, !cfg.Production())

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	// Without redis there is no separate worker, jobs are drained in-process.
	if cfg.QueueBackend == "memory" {
		go func() {
			if err := app.Consume(ctx, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("in-process consumer stopped", "error", err)
			}
		}()
	}

	h := handler.New(app.Service, app.Checks, log)
	r := handler.Router(h, handler.RouterConfig{
		Signer:          app.Signer,
		Metrics:         app.Metrics,
		MetricsHandler:  metrics.Handler(app.Registry),
		Logger:          log,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AIRateLimit:     cfg.AIRateLimit,
		Production:      cfg.Production(),
		AllowOrigins:    cfg.AllowOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.HTTPPort, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", "error", err)
	}

	log.Info("server exited")
	return nil
}
