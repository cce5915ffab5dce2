package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Saga state constants.
const (
	StateCreated           = "CREATED"
	StateReservingStock    = "RESERVING_STOCK"
	StateStockReserved     = "STOCK_RESERVED"
	StateChargingPayment   = "CHARGING_PAYMENT"
	StatePaid              = "PAID"
	StateCompleting        = "COMPLETING"
	StateCompleted         = "COMPLETED"
	StateCompensatingStock = "COMPENSATING_STOCK"
	StateCancelled         = "CANCELLED"
	StateFailed            = "FAILED"
)

// Saga step name constants. Steps are the unit of idempotency keys,
// attempt counters, and compensation tracking.
const (
	StepReserveStock  = "reserve_stock"
	StepChargePayment = "charge_payment"
	StepReleaseStock  = "release_stock"
	StepRefundPayment = "refund_payment"
	StepCompleteOrder = "complete_order"
)

// transitions is the saga state graph. A saga may only move along these
// edges; everything else is a conflict or a stale duplicate.
var transitions = map[string][]string{
	StateCreated:           {StateReservingStock, StateCancelled},
	StateReservingStock:    {StateStockReserved, StateCancelled, StateFailed},
	StateStockReserved:     {StateChargingPayment, StateCompensatingStock},
	StateChargingPayment:   {StatePaid, StateCompensatingStock, StateFailed},
	StatePaid:              {StateCompleting},
	StateCompleting:        {StateCompleted, StateCompensatingStock, StateFailed},
	StateCompensatingStock: {StateCancelled, StateFailed},
}

// OrderSaga is the aggregate root: one record per order attempt, mutated
// only through the store's compare-and-swap.
type OrderSaga struct {
	SagaID               string         `json:"saga_id"`
	OrderID              string         `json:"order_id"`
	State                string         `json:"state"`
	Items                []LineItem     `json:"items"`
	TotalAmount          int64          `json:"total_amount"`
	Currency             string         `json:"currency"`
	PaymentMethodToken   string         `json:"payment_method_token,omitempty"`
	AttemptCounters      map[string]int `json:"attempt_counters"`
	CompensationsApplied []string       `json:"compensations_applied"`
	FailureReason        string         `json:"failure_reason,omitempty"`
	LastTransitionAt     time.Time      `json:"last_transition_at"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// LineItem is a single ordered product. Immutable after saga creation.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// NewOrderSaga creates a saga in the CREATED state for the given order.
// The total is computed from the line items once and frozen; minor-unit
// integers throughout, never floats.
func NewOrderSaga(orderID string, items []LineItem, currency, methodToken string) (*OrderSaga, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one line item is required")
	}
	for i, item := range items {
		if item.ProductID == "" {
			return nil, fmt.Errorf("line item %d: product id is required", i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("line item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return nil, fmt.Errorf("line item %d: unit price must not be negative", i)
		}
	}
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	return &OrderSaga{
		SagaID:               uuid.New().String(),
		OrderID:              orderID,
		State:                StateCreated,
		Items:                items,
		TotalAmount:          CalculateTotal(items),
		Currency:             currency,
		PaymentMethodToken:   methodToken,
		AttemptCounters:      make(map[string]int),
		CompensationsApplied: nil,
		LastTransitionAt:     now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// CalculateTotal sums quantity * unit price over the items in minor units.
func CalculateTotal(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// IsTerminal returns true once the saga has reached a final state.
// Terminal sagas are immutable and retained for audit.
func (s *OrderSaga) IsTerminal() bool {
	return IsTerminalState(s.State)
}

// IsTerminalState reports whether the given state is final.
func IsTerminalState(state string) bool {
	return state == StateCompleted || state == StateCancelled || state == StateFailed
}

// CanTransition reports whether from -> next is an edge of the state graph.
func CanTransition(from, next string) bool {
	for _, allowed := range transitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransition reports whether moving from the saga's current state to
// next follows the state graph.
func (s *OrderSaga) CanTransition(next string) bool {
	return CanTransition(s.State, next)
}

// Attempts returns the retry count recorded for the given step.
func (s *OrderSaga) Attempts(step string) int {
	return s.AttemptCounters[step]
}

// RecordAttempt increments and returns the retry count for the given step.
func (s *OrderSaga) RecordAttempt(step string) int {
	if s.AttemptCounters == nil {
		s.AttemptCounters = make(map[string]int)
	}
	s.AttemptCounters[step]++
	return s.AttemptCounters[step]
}

// HasCompensated reports whether the given step was already compensated.
func (s *OrderSaga) HasCompensated(step string) bool {
	for _, applied := range s.CompensationsApplied {
		if applied == step {
			return true
		}
	}
	return false
}

// MarkCompensated records the step as compensated. Recording the same
// step twice is a no-op.
func (s *OrderSaga) MarkCompensated(step string) {
	if s.HasCompensated(step) {
		return
	}
	s.CompensationsApplied = append(s.CompensationsApplied, step)
}

// IdempotencyKey derives the per-step command key so collaborators can
// deduplicate retried commands on their side.
func (s *OrderSaga) IdempotencyKey(step string) string {
	return s.SagaID + ":" + step
}

// ValidStates returns the set of valid saga states.
func ValidStates() []string {
	return []string{
		StateCreated,
		StateReservingStock,
		StateStockReserved,
		StateChargingPayment,
		StatePaid,
		StateCompleting,
		StateCompleted,
		StateCompensatingStock,
		StateCancelled,
		StateFailed,
	}
}

// IsValidState checks whether the given state string is a valid saga state.
func IsValidState(state string) bool {
	for _, s := range ValidStates() {
		if s == state {
			return true
		}
	}
	return false
}
