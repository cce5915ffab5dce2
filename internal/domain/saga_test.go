package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// NewOrderSaga Tests
// ============================================================================

func TestNewOrderSaga_Valid(t *testing.T) {
	items := []LineItem{
		{ProductID: "prod-1", Quantity: 2, UnitPrice: 2499},
	}
	saga, err := NewOrderSaga("ord-123", items, "USD", "tok-abc")
	require.NoError(t, err)

	assert.NotEmpty(t, saga.SagaID)
	assert.Equal(t, "ord-123", saga.OrderID)
	assert.Equal(t, StateCreated, saga.State)
	assert.Equal(t, int64(4998), saga.TotalAmount)
	assert.Equal(t, "USD", saga.Currency)
	assert.Equal(t, "tok-abc", saga.PaymentMethodToken)
	assert.NotNil(t, saga.AttemptCounters)
	assert.Empty(t, saga.CompensationsApplied)
	assert.False(t, saga.CreatedAt.IsZero())
	assert.False(t, saga.LastTransitionAt.IsZero())
}

func TestNewOrderSaga_DefaultsCurrency(t *testing.T) {
	saga, err := NewOrderSaga("ord-1", []LineItem{{ProductID: "p", Quantity: 1, UnitPrice: 100}}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "USD", saga.Currency)
}

func TestNewOrderSaga_MissingOrderID(t *testing.T) {
	_, err := NewOrderSaga("", []LineItem{{ProductID: "p", Quantity: 1, UnitPrice: 100}}, "USD", "")
	require.Error(t, err)
}

func TestNewOrderSaga_NoItems(t *testing.T) {
	_, err := NewOrderSaga("ord-1", nil, "USD", "")
	require.Error(t, err)
}

func TestNewOrderSaga_InvalidItems(t *testing.T) {
	tests := []struct {
		name string
		item LineItem
	}{
		{"missing product id", LineItem{Quantity: 1, UnitPrice: 100}},
		{"zero quantity", LineItem{ProductID: "p", Quantity: 0, UnitPrice: 100}},
		{"negative quantity", LineItem{ProductID: "p", Quantity: -1, UnitPrice: 100}},
		{"negative price", LineItem{ProductID: "p", Quantity: 1, UnitPrice: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrderSaga("ord-1", []LineItem{tt.item}, "USD", "")
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// CalculateTotal Tests
// ============================================================================

func TestCalculateTotal_MultipleItems(t *testing.T) {
	items := []LineItem{
		{ProductID: "a", Quantity: 2, UnitPrice: 1000},
		{ProductID: "b", Quantity: 3, UnitPrice: 500},
	}
	assert.Equal(t, int64(3500), CalculateTotal(items))
}

func TestCalculateTotal_Empty(t *testing.T) {
	assert.Equal(t, int64(0), CalculateTotal(nil))
}

func TestCalculateTotal_MinorUnits(t *testing.T) {
	// Two units at 24.99 must total exactly 4998 minor units.
	items := []LineItem{{ProductID: "a", Quantity: 2, UnitPrice: 2499}}
	assert.Equal(t, int64(4998), CalculateTotal(items))
}

// ============================================================================
// State Graph Tests
// ============================================================================

func TestCanTransition_HappyPathEdges(t *testing.T) {
	edges := []struct {
		from, to string
	}{
		{StateCreated, StateReservingStock},
		{StateReservingStock, StateStockReserved},
		{StateStockReserved, StateChargingPayment},
		{StateChargingPayment, StatePaid},
		{StatePaid, StateCompleting},
		{StateCompleting, StateCompleted},
	}
	for _, e := range edges {
		s := &OrderSaga{State: e.from}
		assert.True(t, s.CanTransition(e.to), "expected %s -> %s to be allowed", e.from, e.to)
	}
}

func TestCanTransition_CompensationEdges(t *testing.T) {
	edges := []struct {
		from, to string
	}{
		{StateCreated, StateCancelled},
		{StateReservingStock, StateCancelled},
		{StateReservingStock, StateFailed},
		{StateStockReserved, StateCompensatingStock},
		{StateChargingPayment, StateCompensatingStock},
		{StateCompensatingStock, StateCancelled},
		{StateCompensatingStock, StateFailed},
		{StateCompleting, StateCompensatingStock},
	}
	for _, e := range edges {
		s := &OrderSaga{State: e.from}
		assert.True(t, s.CanTransition(e.to), "expected %s -> %s to be allowed", e.from, e.to)
	}
}

func TestCanTransition_NoBackwardEdges(t *testing.T) {
	tests := []struct {
		from, to string
	}{
		{StateStockReserved, StateReservingStock},
		{StatePaid, StateChargingPayment},
		{StateCancelled, StateReservingStock},
		{StateCompleted, StateCompleting},
		{StateFailed, StateCreated},
	}
	for _, tt := range tests {
		s := &OrderSaga{State: tt.from}
		assert.False(t, s.CanTransition(tt.to), "expected %s -> %s to be forbidden", tt.from, tt.to)
	}
}

func TestCanTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	for _, terminal := range []string{StateCompleted, StateCancelled, StateFailed} {
		s := &OrderSaga{State: terminal}
		for _, next := range ValidStates() {
			assert.False(t, s.CanTransition(next), "terminal %s must not transition to %s", terminal, next)
		}
	}
}

// ============================================================================
// IsTerminal Tests
// ============================================================================

func TestIsTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateCancelled, StateFailed} {
		s := &OrderSaga{State: state}
		assert.True(t, s.IsTerminal(), "expected %q to be terminal", state)
	}
	for _, state := range []string{StateCreated, StateReservingStock, StateStockReserved, StateChargingPayment, StatePaid, StateCompleting, StateCompensatingStock} {
		s := &OrderSaga{State: state}
		assert.False(t, s.IsTerminal(), "expected %q to be non-terminal", state)
	}
}

// ============================================================================
// Attempt Counter Tests
// ============================================================================

func TestRecordAttempt_Increments(t *testing.T) {
	s := &OrderSaga{}
	assert.Equal(t, 0, s.Attempts(StepReserveStock))
	assert.Equal(t, 1, s.RecordAttempt(StepReserveStock))
	assert.Equal(t, 2, s.RecordAttempt(StepReserveStock))
	assert.Equal(t, 2, s.Attempts(StepReserveStock))
}

func TestRecordAttempt_PerStep(t *testing.T) {
	s := &OrderSaga{AttemptCounters: make(map[string]int)}
	s.RecordAttempt(StepReserveStock)
	s.RecordAttempt(StepReserveStock)
	s.RecordAttempt(StepChargePayment)

	assert.Equal(t, 2, s.Attempts(StepReserveStock))
	assert.Equal(t, 1, s.Attempts(StepChargePayment))
	assert.Equal(t, 0, s.Attempts(StepReleaseStock))
}

// ============================================================================
// Compensation Guard Tests
// ============================================================================

func TestMarkCompensated_Once(t *testing.T) {
	s := &OrderSaga{}
	assert.False(t, s.HasCompensated(StepReserveStock))

	s.MarkCompensated(StepReserveStock)
	assert.True(t, s.HasCompensated(StepReserveStock))

	// Marking again must not duplicate the entry.
	s.MarkCompensated(StepReserveStock)
	assert.Len(t, s.CompensationsApplied, 1)
}

func TestMarkCompensated_MultipleSteps(t *testing.T) {
	s := &OrderSaga{}
	s.MarkCompensated(StepReserveStock)
	s.MarkCompensated(StepChargePayment)

	assert.True(t, s.HasCompensated(StepReserveStock))
	assert.True(t, s.HasCompensated(StepChargePayment))
	assert.Len(t, s.CompensationsApplied, 2)
}

// ============================================================================
// IdempotencyKey Tests
// ============================================================================

func TestIdempotencyKey_Format(t *testing.T) {
	s := &OrderSaga{SagaID: "saga-123"}
	assert.Equal(t, "saga-123:reserve_stock", s.IdempotencyKey(StepReserveStock))
	assert.Equal(t, "saga-123:charge_payment", s.IdempotencyKey(StepChargePayment))
}

// ============================================================================
// State Validation Tests
// ============================================================================

func TestValidStates_ContainsAll(t *testing.T) {
	expected := []string{
		StateCreated, StateReservingStock, StateStockReserved,
		StateChargingPayment, StatePaid, StateCompleting, StateCompleted,
		StateCompensatingStock, StateCancelled, StateFailed,
	}
	assert.ElementsMatch(t, expected, ValidStates())
}

func TestIsValidState(t *testing.T) {
	for _, s := range ValidStates() {
		assert.True(t, IsValidState(s), "expected %q to be valid", s)
	}
	assert.False(t, IsValidState("unknown"))
	assert.False(t, IsValidState(""))
}
