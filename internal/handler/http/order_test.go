package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/internal/service"
	apperrors "github.com/utafrali/OrderSagaGo/pkg/errors"
	"github.com/utafrali/OrderSagaGo/pkg/httputil"
)

// --- Mock SagaService ---

type mockSagaService struct {
	mock.Mock
}

func (m *mockSagaService) PlaceOrder(ctx context.Context, input *service.PlaceOrderInput) (*domain.OrderSaga, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OrderSaga), args.Error(1)
}

func (m *mockSagaService) GetSagaByOrderID(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OrderSaga), args.Error(1)
}

func (m *mockSagaService) RetryOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OrderSaga), args.Error(1)
}

func (m *mockSagaService) CancelOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.OrderSaga), args.Error(1)
}

// --- Test Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOrderHandler(svc *mockSagaService) *OrderHandler {
	return NewOrderHandler(svc, testLogger())
}

// setupSagaRouter creates a chi router matching the production route layout.
func setupSagaRouter(handler *OrderHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Post("/", handler.PlaceOrder)
		r.Get("/{orderID}/saga", handler.GetSaga)
		r.Post("/{orderID}/saga/retry", handler.RetrySaga)
		r.Post("/{orderID}/saga/cancel", handler.CancelSaga)
	})
	return r
}

// decodeResponse reads the response body into the httputil.Response struct.
func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) httputil.Response {
	t.Helper()
	var resp httputil.Response
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	return resp
}

// sampleSaga returns a realistic saga for use in test expectations.
func sampleSaga(state string) *domain.OrderSaga {
	now := time.Now().UTC()
	return &domain.OrderSaga{
		SagaID:  "550e8400-e29b-41d4-a716-446655440001",
		OrderID: "ord-20260831-0001",
		State:   state,
		Items: []domain.LineItem{
			{ProductID: "550e8400-e29b-41d4-a716-446655440020", Quantity: 2, UnitPrice: 2499},
			{ProductID: "550e8400-e29b-41d4-a716-446655440021", Quantity: 1, UnitPrice: 1000},
		},
		TotalAmount:          5998,
		Currency:             "USD",
		AttemptCounters:      map[string]int{},
		CompensationsApplied: []string{},
		LastTransitionAt:     now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// validPlaceOrderJSON returns a valid JSON body for POST /api/v1/orders.
func validPlaceOrderJSON() []byte {
	body := PlaceOrderRequest{
		OrderID: "ord-20260831-0001",
		Items: []OrderItemRequest{
			{ProductID: "550e8400-e29b-41d4-a716-446655440020", Quantity: 2, UnitPrice: 2499},
			{ProductID: "550e8400-e29b-41d4-a716-446655440021", Quantity: 1, UnitPrice: 1000},
		},
		Currency:           "USD",
		PaymentMethodToken: "tok-visa-4242",
	}
	b, _ := json.Marshal(body)
	return b
}

// ============================================================================
// POST /api/v1/orders - PlaceOrder
// ============================================================================

func TestPlaceOrder_Success(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("PlaceOrder", mock.Anything, mock.AnythingOfType("*service.PlaceOrderInput")).
		Return(sampleSaga(domain.StateReservingStock), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(validPlaceOrderJSON()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
	require.NotNil(t, resp.Data)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ord-20260831-0001", data["order_id"])
	assert.Equal(t, "RESERVING_STOCK", data["state"])
	assert.Equal(t, "USD", data["currency"])
	assert.Equal(t, float64(5998), data["total_amount"])

	svc.AssertExpectations(t)
}

func TestPlaceOrder_MapsRequestToInput(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	var captured *service.PlaceOrderInput
	svc.On("PlaceOrder", mock.Anything, mock.AnythingOfType("*service.PlaceOrderInput")).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*service.PlaceOrderInput)
		}).
		Return(sampleSaga(domain.StateReservingStock), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(validPlaceOrderJSON()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "ord-20260831-0001", captured.OrderID)
	assert.Equal(t, "tok-visa-4242", captured.PaymentMethodToken)
	require.Len(t, captured.Items, 2)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440020", captured.Items[0].ProductID)
	assert.Equal(t, 2, captured.Items[0].Quantity)
	assert.Equal(t, int64(2499), captured.Items[0].UnitPrice)
}

func TestPlaceOrder_InvalidJSON(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader([]byte(`{invalid json`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "invalid request body")
	svc.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestPlaceOrder_ValidationError_NoItems(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	body := PlaceOrderRequest{
		Items:              []OrderItemRequest{},
		Currency:           "USD",
		PaymentMethodToken: "tok-visa-4242",
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.NotNil(t, resp.Error.Fields)
	svc.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}

func TestPlaceOrder_ValidationError_MissingPaymentToken(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	body := PlaceOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: "prod-1", Quantity: 1, UnitPrice: 999},
		},
		Currency: "USD",
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestPlaceOrder_ValidationError_InvalidCurrency(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	body := PlaceOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: "prod-1", Quantity: 1, UnitPrice: 999},
		},
		Currency:           "TOOLONG",
		PaymentMethodToken: "tok-visa-4242",
	}
	b, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}

func TestPlaceOrder_ServiceError(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(nil, errors.New("pool exhausted"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewReader(validPlaceOrderJSON()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}

// ============================================================================
// GET /api/v1/orders/{orderID}/saga - GetSaga
// ============================================================================

func TestGetSaga_Success(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("GetSagaByOrderID", mock.Anything, "ord-20260831-0001").
		Return(sampleSaga(domain.StateCompleted), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-20260831-0001/saga", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", data["state"])
	assert.Equal(t, "ord-20260831-0001", data["order_id"])

	svc.AssertExpectations(t)
}

func TestGetSaga_NotFound(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("GetSagaByOrderID", mock.Anything, "ord-missing").
		Return(nil, apperrors.NotFound("saga for order", "ord-missing"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord-missing/saga", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

// ============================================================================
// POST /api/v1/orders/{orderID}/saga/retry - RetrySaga
// ============================================================================

func TestRetrySaga_Success(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	saga := sampleSaga(domain.StateChargingPayment)
	saga.AttemptCounters = map[string]int{"charge_payment": 2}
	svc.On("RetryOrder", mock.Anything, "ord-20260831-0001").Return(saga, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord-20260831-0001/saga/retry", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CHARGING_PAYMENT", data["state"])

	svc.AssertExpectations(t)
}

func TestRetrySaga_TerminalConflict(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("RetryOrder", mock.Anything, "ord-20260831-0001").
		Return(nil, apperrors.Conflict("saga is COMPLETED and cannot be retried"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord-20260831-0001/saga/retry", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "cannot be retried")
}

// ============================================================================
// POST /api/v1/orders/{orderID}/saga/cancel - CancelSaga
// ============================================================================

func TestCancelSaga_Success(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	saga := sampleSaga(domain.StateCancelled)
	saga.FailureReason = "cancelled by operator"
	svc.On("CancelOrder", mock.Anything, "ord-20260831-0001").Return(saga, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord-20260831-0001/saga/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CANCELLED", data["state"])
	assert.Equal(t, "cancelled by operator", data["failure_reason"])

	svc.AssertExpectations(t)
}

func TestCancelSaga_PastPointOfNoReturn(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("CancelOrder", mock.Anything, "ord-20260831-0001").
		Return(nil, apperrors.Conflict("saga in state CHARGING_PAYMENT can no longer be cancelled"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord-20260831-0001/saga/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
}

func TestCancelSaga_NotFound(t *testing.T) {
	svc := new(mockSagaService)
	router := setupSagaRouter(testOrderHandler(svc))

	svc.On("CancelOrder", mock.Anything, "ord-missing").
		Return(nil, apperrors.NotFound("saga for order", "ord-missing"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord-missing/saga/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}
