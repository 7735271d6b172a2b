package streamtail

import (
	"context"
	"log/slog"
)

type shardContextKey struct{}
type loggerContextKey struct{}

// LoggerWithContext adds the given logger to the returned Context
func LoggerWithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext retrieves a logger from the passed in Context or returns the default slog.Logger
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return logger
}

// ShardIDWithContext adds the id of the shard being emitted to the returned Context
func ShardIDWithContext(ctx context.Context, shardID string) context.Context {
	return context.WithValue(ctx, shardContextKey{}, shardID)
}

// ShardIDFromContext retrieves the shard id from Context, or "" if it is not set.
func ShardIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(shardContextKey{}).(string)
	if !ok {
		return ""
	}
	return id
}
