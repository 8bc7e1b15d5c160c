package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// Recoverer turns handler panics into 500 responses instead of crashing
// the ops server.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					observability.LoggerFromContext(r.Context()).Error("panic recovered",
						"recover", rec, "path", r.URL.Path)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CorrID injects a correlation id and a request-scoped logger. Inbound
// X-Request-Id is honored so provider callbacks correlate with the
// submit that registered the callback URL.
func CorrID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Request-Id")
			if corrID == "" {
				corrID = newCorrID()
			}
			lg := observability.LoggerFromContext(r.Context()).With("corr_id", corrID)
			ctx := observability.ContextWithCorrID(r.Context(), corrID)
			ctx = observability.ContextWithLogger(ctx, lg)
			w.Header().Set("X-Request-Id", corrID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TimeoutMiddleware bounds handler time; the callback handler does no
// provider I/O so a short deadline is safe.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// TraceMiddleware opens a server span per request.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders adds strict headers suitable for a JSON-only ops API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs request/response basics, leveled by status class.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			lg := observability.LoggerFromContext(r.Context())
			args := []any{
				"method", r.Method,
				"route", route,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"corr_id", observability.CorrIDFromContext(r.Context()),
			}
			if spanCtx.HasTraceID() {
				args = append(args, "trace_id", spanCtx.TraceID().String())
			}
			switch {
			case ww.Status() >= 500:
				lg.Error("http_access", args...)
			case ww.Status() >= 400:
				lg.Warn("http_access", args...)
			default:
				lg.Info("http_access", args...)
			}
		})
	}
}

func newCorrID() string {
	return ulid.Make().String()
}
