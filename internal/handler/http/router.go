package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/OrderSagaGo/pkg/health"
	"github.com/utafrali/OrderSagaGo/pkg/middleware"
)

// NewRouter creates a chi router with all orchestrator routes registered.
func NewRouter(
	sagaService SagaService,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("saga-orchestrator"))
	r.Use(middleware.Tracing("saga-orchestrator"))
	r.Use(middleware.RequestLogger(logger))

	// Health and metrics endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Order API endpoints
	orderHandler := NewOrderHandler(sagaService, logger)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", orderHandler.PlaceOrder)
		r.Get("/{orderID}/saga", orderHandler.GetSaga)
		r.Post("/{orderID}/saga/retry", orderHandler.RetrySaga)
		r.Post("/{orderID}/saga/cancel", orderHandler.CancelSaga)
	})

	return r
}

// ContentTypeJSON sets the JSON content type on every response.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
