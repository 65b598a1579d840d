// Package api is the REST surface of the entitygraph node: entity reads
// and writes, redirects, deletions, administrative listings and health
// probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/entitygraph/entitygraph/internal/logger"
	"github.com/entitygraph/entitygraph/internal/telemetry"
)

// Routes is implemented by the handler bundle in the handlers package; the
// indirection keeps the router free of an import cycle with its handlers.
type Routes interface {
	Register(r chi.Router)
}

// NewRouter creates the chi router with the standard middleware stack.
//
// Middleware order matters: request ID and real IP first so the logger
// sees them, recovery before the timeout so a panic inside a slow handler
// still produces a response.
func NewRouter(routes Routes, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestTracer)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	routes.Register(r)
	return r
}

// requestTracer wraps each request in a span when tracing is enabled.
func requestTracer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !telemetry.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := telemetry.StartSpan(r.Context(), "http.request")
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
	})
}

// requestLogger logs requests through the internal logger: start at DEBUG,
// completion at INFO with status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
