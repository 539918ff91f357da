// Package bootstrap wires the attendance service from configuration for the
// api and worker binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"attendx/internal/ai"
	"attendx/internal/attendance"
	"attendx/internal/auth"
	"attendx/internal/cloudinary"
	"attendx/internal/config"
	"attendx/internal/faceclient"
	"attendx/internal/handler"
	"attendx/internal/insights"
	"attendx/internal/metrics"
	"attendx/internal/queue"
	"attendx/internal/store"
)

// App is the wired service with the resources it holds open.
type App struct {
	Service  *attendance.Service
	Queue    queue.Queue
	Signer   auth.Signer
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Checks   map[string]handler.HealthCheck

	db    *store.DB
	redis *store.Redis
}

// New connects every backend named in cfg and builds the service. Postgres
// migrations are applied before the repository is used.
func New(ctx context.Context, cfg config.App, log *slog.Logger) (*App, error) {
	app := &App{
		Registry: prometheus.NewRegistry(),
		Checks:   map[string]handler.HealthCheck{},
		Signer: auth.Signer{
			Key:        cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
	}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.NewCollector(app.Registry)

	st, err := app.openStore(ctx, cfg, log)
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := app.openQueue(cfg); err != nil {
		app.Close()
		return nil, err
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	face, writer := newModelClients(provider, app.Metrics, cfg)
	app.Checks["ai"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }

	deps := attendance.Deps{
		Store:   st,
		Face:    face,
		Writer:  writer,
		Signer:  app.Signer,
		Queue:   app.Queue,
		Metrics: app.Metrics,
		Logger:  log,
	}
	if cfg.CloudinaryEnabled() {
		deps.Uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		log.Info("cloudinary not configured, face templates are not mirrored")
	}

	app.Service = attendance.NewService(deps, attendance.Options{
		Cooldown:     cfg.CheckinCooldown,
		MaxDirectory: cfg.MaxDirectory,
	})
	log.Info("service ready", "store", cfg.StoreBackend, "queue", cfg.QueueBackend, "ai", provider.Name(), "face_skip", cfg.FaceSkip)
	return app, nil
}

func (a *App) openStore(ctx context.Context, cfg config.App, log *slog.Logger) (attendance.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		return attendance.NewMemoryStore(), nil
	case "postgres", "":
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.Checks["db"] = db.Healthy
		return attendance.NewRepository(db.Client), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func (a *App) openQueue(cfg config.App) error {
	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(64)
	case "redis", "":
		a.redis = store.NewRedis(cfg.RedisAddr)
		a.Checks["redis"] = a.redis.Healthy
		a.Queue = queue.NewRedisQueue(a.redis.Client, "")
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	return nil
}

// newProvider builds the configured model provider. Skip mode without an API
// key falls back to the static provider since no model is ever called.
func newProvider(ctx context.Context, cfg config.App) (ai.Provider, error) {
	name := cfg.AIProvider
	if cfg.FaceSkip && cfg.GeminiAPIKey == "" && cfg.OpenAIAPIKey == "" {
		name = "static"
	}
	return ai.New(ctx, ai.Options{
		Provider:     name,
		GeminiAPIKey: cfg.GeminiAPIKey,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Pricing: func(model string) ai.RequestPricing {
			p := cfg.Prices.For(model)
			return ai.RequestPricing{Input: p.Input, Output: p.Output}
		},
	})
}

// newModelClients builds the face and text clients sharing one provider and
// the configured per-call timeout.
func newModelClients(provider ai.Provider, rec metrics.Recorder, cfg config.App) (*faceclient.Client, *insights.Writer) {
	face := faceclient.New(provider, rec, cfg.FaceSkip)
	writer := insights.New(provider, rec)
	if cfg.AITimeout > 0 {
		face.Timeout = cfg.AITimeout
		writer.Timeout = cfg.AITimeout
	}
	return face, writer
}

// Consume feeds queued check-in jobs to the service until ctx is done.
// Messages are processed one at a time.
func (a *App) Consume(ctx context.Context, log *slog.Logger) error {
	msgs, err := a.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			job, err := a.Service.HandleMessage(ctx, msg)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Error("check-in job failed", "type", msg.Type, "error", err)
				continue
			}
			log.Info("check-in job handled", "job_id", job.ID, "student_id", job.StudentID, "status", job.Status, "reason", job.Reason)
		}
	}
}

// Close releases the database and redis connections.
func (a *App) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
