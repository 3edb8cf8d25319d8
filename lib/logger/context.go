package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "lib-slogger"

// AddToContext stores the logger in the context so handlers deeper in the
// stack can retrieve it with FromContext.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
