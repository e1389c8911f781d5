package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
)

// ObservabilityMiddleware traces each request and records request metrics.
// Spans and metrics are labelled with the matched route pattern so task ids
// in paths do not explode cardinality.
func ObservabilityMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := &matchedRoute{}
			ctx := context.WithValue(r.Context(), routeKey{}, route)
			ctx, span := observability.StartSpan(ctx, r.Method+" "+r.URL.Path)
			defer span.End()

			observability.SetSpanAttributes(span,
				attribute.String("http.method", r.Method),
				attribute.String("http.user_agent", r.UserAgent()),
			)
			if tenant := r.Header.Get(headerTenantID); tenant != "" {
				observability.SetSpanAttributes(span, attribute.String("claims.tenant_id", tenant))
			}

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))
			duration := time.Since(start)

			// Unmatched requests all share one label.
			pattern := route.pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			span.SetName(pattern)
			observability.SetSpanAttributes(span,
				attribute.String("http.route", pattern),
				attribute.Int("http.status_code", rw.statusCode),
			)
			observability.RecordRequestMetric(ctx, metrics, r.Method, pattern, rw.statusCode, duration)
		})
	}
}
