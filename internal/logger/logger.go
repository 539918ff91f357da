package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup returns a JSON slog.Logger writing to w.
func Setup(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetupDefault installs a JSON logger as the process default. A nil writer means stdout.
func SetupDefault(w io.Writer, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := Setup(w, debug)
	slog.SetDefault(l)
	return l
}
