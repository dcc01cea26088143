package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// RedactKey hides all but the last 6 characters of an API key.
func RedactKey(key string) string {
	const visible = 6
	if len(key) <= visible {
		return strings.Repeat("*", 6)
	}
	return "******" + key[len(key)-visible:]
}

// Key returns a slog attribute for an API key with the key redacted.
func Key(key string) slog.Attr {
	return slog.String("apiKey", RedactKey(key))
}
