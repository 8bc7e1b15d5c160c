// Package observability provides logging, metrics, and tracing for the
// orchestrator.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/ferixdi-png/TRT-sub000/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// corrIDContextKey is the private context key used to store the correlation id
// so reconcilers and the provider client can tag their logs with the
// originating request.
type corrIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithCorrID stores a non-empty correlation id in the context.
func ContextWithCorrID(ctx context.Context, corrID string) context.Context {
	if ctx == nil || corrID == "" {
		return ctx
	}
	return context.WithValue(ctx, corrIDContextKey{}, corrID)
}

// CorrIDFromContext retrieves the correlation id from the context, or an
// empty string when none is present.
func CorrIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(corrIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
