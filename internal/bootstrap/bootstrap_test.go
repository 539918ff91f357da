package bootstrap

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"attendx/internal/ai"
	"attendx/internal/attendance"
	"attendx/internal/config"
	"attendx/internal/metrics"
)

func memoryConfig() config.App {
	return config.App{
		StoreBackend:    "memory",
		QueueBackend:    "memory",
		AIProvider:      "gemini",
		FaceSkip:        true,
		JWTIssuer:       "attendx",
		JWTSigningKey:   "bootstrap-test",
		AccessTTL:       time.Minute,
		RefreshTTL:      time.Hour,
		CheckinCooldown: time.Hour,
		MaxDirectory:    5,
		AITimeout:       time.Second,
	}
}

func photo(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: 90, G: 60, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestNew_MemoryBackends(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(context.Background(), memoryConfig(), log)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	if _, ok := app.Checks["ai"]; !ok || len(app.Checks) != 1 {
		t.Errorf("checks = %v, want only ai", app.Checks)
	}
	if !app.Checks["ai"](context.Background()) {
		t.Error("skip-mode ai check unhealthy")
	}
}

func TestModelClients_ShareTimeout(t *testing.T) {
	cfg := memoryConfig()
	cfg.AITimeout = 7 * time.Second
	face, writer := newModelClients(ai.NewStaticProvider(`{}`), metrics.Nop{}, cfg)
	if face.Timeout != 7*time.Second || writer.Timeout != 7*time.Second {
		t.Errorf("timeouts = %v / %v, want 7s", face.Timeout, writer.Timeout)
	}

	cfg.AITimeout = 0
	face, writer = newModelClients(ai.NewStaticProvider(`{}`), metrics.Nop{}, cfg)
	if face.Timeout <= 0 || writer.Timeout <= 0 {
		t.Errorf("zero config should keep client defaults, got %v / %v", face.Timeout, writer.Timeout)
	}
}

func TestNew_RejectsUnknownBackends(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := memoryConfig()
	cfg.StoreBackend = "sqlite"
	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Error("unknown store accepted")
	}
	cfg = memoryConfig()
	cfg.QueueBackend = "kafka"
	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Error("unknown queue accepted")
	}
	cfg = memoryConfig()
	cfg.FaceSkip = false
	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Error("missing API key accepted")
	}
}

func TestConsume_ProcessesCheckins(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(context.Background(), memoryConfig(), log)
	if err != nil {
		t.Fatal(err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := app.Service.Signup(ctx, attendance.SignupInput{Email: "ada@example.edu", Password: "correct-horse", FirstName: "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	id := res.User.ID
	if _, err := app.Service.RegisterFace(ctx, id, photo(t)); err != nil {
		t.Fatal(err)
	}
	job, err := app.Service.SubmitCheckin(ctx, id, photo(t))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- app.Consume(ctx, log) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := app.Service.Checkin(ctx, id, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == attendance.JobProcessed {
			if got.RecordID == "" {
				t.Error("processed job has no record")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() error = %v, want context.Canceled", err)
	}
}
