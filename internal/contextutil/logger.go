// Package contextutil carries request-scoped values through context.
package contextutil

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger returns a context carrying the given logger. The router
// middleware attaches a request-scoped logger this way.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger carried by ctx, falling back to
// the process default when none was attached.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
