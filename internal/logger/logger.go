// Package logger provides structured logging and context-aware logger injection.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type ctxKey struct{}

// L is the global default logger; initialize with Init or use FromContext for request-scoped loggers.
var (
	L      = slog.Default()
	logKey = ctxKey{}

	levelMu sync.Mutex
	level   = new(slog.LevelVar)
)

// Init initializes the global logger with the given level and format ("text" or "json").
func Init(lvl, format string) {
	InitWriter(os.Stdout, lvl, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, lvl, format string) {
	SetLevel(lvl)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	L = slog.New(handler)
	slog.SetDefault(L)
}

// SetLevel changes the level of loggers created by Init without rebuilding them.
func SetLevel(lvl string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	level.Set(parseLevel(lvl))
}

// FromContext returns the logger from ctx, or the global logger if not set.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return L
	}
	if l, ok := ctx.Value(logKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return L
}

// FromContextOr returns the logger from ctx, or fallback (then the global
// logger) if ctx carries none.
func FromContextOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(logKey).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return Or(fallback)
}

// WithContext stores the logger in ctx and returns the new context.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, logKey, l)
}

// Or returns l, falling back to the global logger.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return L
}

func parseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
