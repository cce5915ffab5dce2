package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/internal/service"
	"github.com/utafrali/OrderSagaGo/pkg/httputil"
	"github.com/utafrali/OrderSagaGo/pkg/validator"
)

// SagaService is the orchestrator surface the HTTP layer depends on.
type SagaService interface {
	PlaceOrder(ctx context.Context, input *service.PlaceOrderInput) (*domain.OrderSaga, error)
	GetSagaByOrderID(ctx context.Context, orderID string) (*domain.OrderSaga, error)
	RetryOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error)
}

// OrderHandler handles HTTP requests for order and saga endpoints.
type OrderHandler struct {
	service SagaService
	logger  *slog.Logger
}

// NewOrderHandler creates a new order HTTP handler.
func NewOrderHandler(svc SagaService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// PlaceOrderRequest is the JSON request body for placing an order.
type PlaceOrderRequest struct {
	OrderID            string             `json:"order_id" validate:"omitempty"`
	Items              []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	Currency           string             `json:"currency" validate:"omitempty,len=3"`
	PaymentMethodToken string             `json:"payment_method_token" validate:"required"`
}

// OrderItemRequest represents a single item in the order placement request.
type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"required,gt=0"`
}

// --- Handlers ---

// PlaceOrder handles POST /api/v1/orders
// @Summary Place an order
// @Description Accepts an order and starts its fulfillment saga. The saga advances asynchronously; poll the saga endpoint for progress.
// @Tags orders
// @Accept json
// @Produce json
// @Param request body PlaceOrderRequest true "Order placement data"
// @Success 202 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 422 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/orders [post]
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "invalid request body: " + err.Error()},
		})
		return
	}

	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	items := make([]service.LineItemInput, len(req.Items))
	for i, item := range req.Items {
		items[i] = service.LineItemInput{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	input := &service.PlaceOrderInput{
		OrderID:            req.OrderID,
		Items:              items,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
	}

	saga, err := h.service.PlaceOrder(r.Context(), input)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{Data: saga})
}

// GetSaga handles GET /api/v1/orders/{orderID}/saga
// @Summary Get saga status
// @Description Returns the fulfillment saga for an order, including its state, attempt counters and any failure reason.
// @Tags orders
// @Produce json
// @Param orderID path string true "Order ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/orders/{orderID}/saga [get]
func (h *OrderHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "order id is required"},
		})
		return
	}

	saga, err := h.service.GetSagaByOrderID(r.Context(), orderID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// RetrySaga handles POST /api/v1/orders/{orderID}/saga/retry
// @Summary Force-retry a saga
// @Description Re-enters the saga's current step immediately instead of waiting for the retry driver. Terminal sagas are rejected.
// @Tags orders
// @Produce json
// @Param orderID path string true "Order ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/orders/{orderID}/saga/retry [post]
func (h *OrderHandler) RetrySaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "order id is required"},
		})
		return
	}

	saga, err := h.service.RetryOrder(r.Context(), orderID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}

// CancelSaga handles POST /api/v1/orders/{orderID}/saga/cancel
// @Summary Force-cancel a saga
// @Description Cancels the saga if payment has not started. Past that point cancellation is rejected and only compensation can unwind the order.
// @Tags orders
// @Produce json
// @Param orderID path string true "Order ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/orders/{orderID}/saga/cancel [post]
func (h *OrderHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: "order id is required"},
		})
		return
	}

	saga, err := h.service.CancelOrder(r.Context(), orderID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: saga})
}
