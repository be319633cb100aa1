package graphwal

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/graphwal/wal"
)

// Logger wraps slog.Logger with log-core specific context.
// This provides structured logging with consistent field names.
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
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithTx adds a transaction id field to the logger.
func (l *Logger) WithTx(txID uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("tx", txID),
	}
}

// WithPosition adds a log position field to the logger.
func (l *Logger) WithPosition(pos wal.LogPosition) *Logger {
	return &Logger{
		Logger: l.Logger.With("position", pos.String()),
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(ctx context.Context, txID uint64, pos wal.LogPosition, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"tx", txID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"tx", txID,
			"position", pos.String(),
		)
	}
}

// LogPanic logs the transition to the panicked state.
func (l *Logger) LogPanic(cause error) {
	l.Error("store panicked, refusing new transactions",
		"cause", cause,
	)
}

// LogShutdown logs a shutdown outcome.
func (l *Logger) LogShutdown(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "shutdown completed with errors",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "shutdown completed")
	}
}
