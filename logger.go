package cellulite

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with cellulite-specific helpers.
// Build-phase logs are emitted at debug level; the query path never logs
// per item.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// LogBuildPhase logs the completion of one build phase.
func (l *Logger) LogBuildPhase(name string, took time.Duration) {
	l.Debug("build phase completed", "phase", name, "took", took)
}

// LogBuild logs the outcome of a whole build.
func (l *Logger) LogBuild(upserts, deletes uint64, took time.Duration, err error) {
	if err != nil {
		l.Error("build failed",
			"upserts", upserts,
			"deletes", deletes,
			"error", err,
		)
	} else {
		l.Info("build completed",
			"upserts", upserts,
			"deletes", deletes,
			"took", took,
		)
	}
}
