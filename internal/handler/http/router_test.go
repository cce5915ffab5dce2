package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/pkg/health"
)

func newTestRouter(svc *mockSagaService) http.Handler {
	return NewRouter(svc, health.NewHandler(), testLogger())
}

func TestRouter_LivenessEndpoint(t *testing.T) {
	router := newTestRouter(&mockSagaService{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(&mockSagaService{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_GetSagaRoute(t *testing.T) {
	svc := &mockSagaService{}
	svc.On("GetSagaByOrderID", mock.Anything, "ord-1").Return(sampleSaga(domain.StateCompleted), nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-1/saga", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	svc.AssertExpectations(t)
}

func TestRouter_CORSHeadersOnResponses(t *testing.T) {
	svc := &mockSagaService{}
	svc.On("GetSagaByOrderID", mock.Anything, "ord-1").Return(sampleSaga(domain.StateCompleted), nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-1/saga", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(&mockSagaService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Correlation-ID")
}

func TestRouter_CorrelationIDEchoed(t *testing.T) {
	router := newTestRouter(&mockSagaService{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Correlation-ID", "corr-router-test")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "corr-router-test", rec.Header().Get("X-Correlation-ID"))
}

func TestRouter_CorrelationIDGenerated(t *testing.T) {
	router := newTestRouter(&mockSagaService{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}
