package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
)

// Request headers that identify the caller. They mirror the handlers package.
const (
	headerUserID         = "X-User-ID"
	headerTenantID       = "X-Tenant-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// routeKey carries a *matchedRoute from ObservabilityMiddleware down to
// LoggingMiddleware, which fills it in once the mux has matched.
type routeKey struct{}

type matchedRoute struct {
	pattern string
}

func routeFromContext(ctx context.Context) *matchedRoute {
	route, _ := ctx.Value(routeKey{}).(*matchedRoute)
	return route
}

// LoggingMiddleware attaches the caller's user and tenant to the request
// context, so every log line written while serving it carries them, and
// logs one line per request with the task it concerned.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := observability.WithLogField(r.Context(), observability.FieldUserID, r.Header.Get(headerUserID))
		ctx = observability.WithLogField(ctx, observability.FieldTenantID, r.Header.Get(headerTenantID))
		req := r.WithContext(ctx)

		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, req)

		// The mux records the matched pattern and path values on req.
		if route := routeFromContext(ctx); route != nil {
			route.pattern = req.Pattern
		}
		ctx = observability.WithTask(ctx, req.PathValue("id"))

		logger := observability.LoggerFromContext(ctx)
		event := logger.Info()
		switch {
		case rw.statusCode >= http.StatusInternalServerError:
			event = logger.Error()
		case rw.statusCode == http.StatusConflict || rw.statusCode == http.StatusTooManyRequests:
			event = logger.Warn()
		}
		if key := r.Header.Get(headerIdempotencyKey); key != "" {
			event = event.Str(observability.FieldIdempotencyKey, key)
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", req.Pattern).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps task event streams working through the wrapper
func (rw *statusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
