package tessera

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with tessera-specific helpers so operations log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler gets a
// text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger emitting JSON records to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger emitting human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithPath tags the logger with the dataset path it operates on.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{Logger: l.Logger.With("path", path)}
}

// LogCreate logs the creation of a workspace, group, array or metadata
// object.
func (l *Logger) LogCreate(ctx context.Context, kind ObjectKind, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "create failed",
			"kind", kind.String(),
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "object created",
			"kind", kind.String(),
			"path", path,
		)
	}
}

// LogWrite logs one write call.
func (l *Logger) LogWrite(ctx context.Context, path string, bytes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"path", path,
			"bytes", bytes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write accepted",
			"path", path,
			"bytes", bytes,
		)
	}
}

// LogRead logs one read call.
func (l *Logger) LogRead(ctx context.Context, path string, bytes int, overflow bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "read failed",
			"path", path,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "read delivered",
			"path", path,
			"bytes", bytes,
			"overflow", overflow,
		)
	}
}

// LogFragmentCommit logs the publication of a fragment.
func (l *Logger) LogFragmentCommit(ctx context.Context, path, fragment string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "fragment commit failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "fragment committed",
			"path", path,
			"fragment", fragment,
		)
	}
}

// LogConsolidation logs a consolidation run.
func (l *Logger) LogConsolidation(ctx context.Context, path string, fragments int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "consolidation failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "consolidation completed",
			"path", path,
			"fragments", fragments,
			"took", took,
		)
	}
}
