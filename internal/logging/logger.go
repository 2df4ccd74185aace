package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog; every component of the coordinator logs structured
// key/value pairs through it.
type Logger struct {
	*slog.Logger
}

// New creates a Logger emitting text for interactive use or JSON when the
// coordinator runs under a log collector.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}
