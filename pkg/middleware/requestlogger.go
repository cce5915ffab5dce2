package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/OrderSagaGo/pkg/logger"
)

// RequestLogger returns middleware that builds a request-scoped logger enriched
// with correlation_id, saga_id, trace_id, and span_id, then stores it in
// context via logger.NewContext. Downstream handlers retrieve it with
// logger.FromContext(ctx).
//
// This middleware should be mounted AFTER RequestLogging (which sets
// correlation_id) and Tracing (which sets the OpenTelemetry span context).
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Pick up saga_id from the X-Saga-ID header so admin calls that
			// target a specific saga carry it on every log line.
			if sagaID := r.Header.Get("X-Saga-ID"); sagaID != "" {
				ctx = logger.WithSagaID(ctx, sagaID)
			}

			// Build enriched logger with all available context fields
			// (correlation_id, saga_id, trace_id, span_id).
			enriched := logger.WithContext(ctx, base)

			// Store the enriched logger in context for downstream handlers.
			ctx = logger.NewContext(ctx, enriched)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
