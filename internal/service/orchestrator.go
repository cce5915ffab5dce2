package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/internal/event"
	"github.com/utafrali/OrderSagaGo/internal/gateway"
	"github.com/utafrali/OrderSagaGo/internal/repository"
	apperrors "github.com/utafrali/OrderSagaGo/pkg/errors"
)

const (
	// defaultMaxAttempts is the per-step retry budget before the saga is
	// forced terminal.
	defaultMaxAttempts = 5

	// defaultReclaimAfter is how long a pending ledger entry may sit before
	// a retrier is allowed to reclaim it.
	defaultReclaimAfter = 5 * time.Minute

	// casRetryLimit bounds reload cycles after a compare-and-swap conflict.
	// Losing every cycle means another worker is advancing the saga; the
	// delivery is retried later.
	casRetryLimit = 3
)

// Ledger outcome constants.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
)

// stepCommands maps saga steps to outbound command types.
var stepCommands = map[string]string{
	domain.StepReserveStock:  gateway.CommandReserveStock,
	domain.StepReleaseStock:  gateway.CommandReleaseStock,
	domain.StepChargePayment: gateway.CommandChargePayment,
	domain.StepRefundPayment: gateway.CommandRefundPayment,
	domain.StepCompleteOrder: gateway.CommandSendOrderConfirmation,
}

// rejectionRecord is the ledger payload stored for a rejected command.
type rejectionRecord struct {
	Reason string `json:"reason"`
}

// Config holds orchestrator tuning knobs.
type Config struct {
	MaxAttempts  int
	ReclaimAfter time.Duration
}

// Orchestrator drives order sagas: it owns the saga records, issues
// collaborator commands through the gateway, and advances state in
// response to inbound events. All state writes go through the store's
// compare-and-swap; there is no in-process saga state.
type Orchestrator struct {
	sagas        repository.SagaRepository
	ledger       repository.IdempotencyRepository
	commands     gateway.Sender
	producer     *event.Producer
	logger       *slog.Logger
	maxAttempts  int
	reclaimAfter time.Duration
}

// NewOrchestrator creates the saga orchestrator.
func NewOrchestrator(
	sagas repository.SagaRepository,
	ledger repository.IdempotencyRepository,
	commands gateway.Sender,
	producer *event.Producer,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = defaultReclaimAfter
	}
	return &Orchestrator{
		sagas:        sagas,
		ledger:       ledger,
		commands:     commands,
		producer:     producer,
		logger:       logger,
		maxAttempts:  cfg.MaxAttempts,
		reclaimAfter: cfg.ReclaimAfter,
	}
}

// ============================================================================
// Order placement
// ============================================================================

// PlaceOrderInput holds the parameters for placing an order.
type PlaceOrderInput struct {
	OrderID            string          `json:"order_id" validate:"omitempty"`
	Items              []LineItemInput `json:"items" validate:"required,min=1,dive"`
	Currency           string          `json:"currency" validate:"omitempty,len=3"`
	PaymentMethodToken string          `json:"payment_method_token" validate:"required"`
}

// LineItemInput represents a single item in the order placement request.
type LineItemInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"required,gt=0"`
}

// PlaceOrder accepts an order, creates its saga and starts the reservation
// step. Placing the same order twice returns the existing saga.
func (o *Orchestrator) PlaceOrder(ctx context.Context, input *PlaceOrderInput) (*domain.OrderSaga, error) {
	if input == nil {
		return nil, apperrors.InvalidInput("order input is required")
	}
	if len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("at least one item is required")
	}
	if input.PaymentMethodToken == "" {
		return nil, apperrors.InvalidInput("payment_method_token is required")
	}

	orderID := input.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	} else {
		existing, err := o.sagas.GetByOrderID(ctx, orderID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrSagaNotFound) {
			return nil, fmt.Errorf("check existing saga: %w", err)
		}
	}

	items := make([]domain.LineItem, len(input.Items))
	for i, item := range input.Items {
		items[i] = domain.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	saga, err := domain.NewOrderSaga(orderID, items, strings.ToUpper(input.Currency), input.PaymentMethodToken)
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	if err := o.sagas.Create(ctx, saga); err != nil {
		// A concurrent placement for the same order won the insert; its
		// saga is the one that counts.
		if errors.Is(err, domain.ErrConflict) {
			existing, getErr := o.sagas.GetByOrderID(ctx, orderID)
			if getErr != nil {
				return nil, fmt.Errorf("load saga after duplicate order %s: %w", orderID, getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create saga: %w", err)
	}
	SagasStarted.Inc()

	// Publish event; log but do not fail on error.
	if err := o.producer.PublishOrderCreated(ctx, saga); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish order.created event",
			slog.String("saga_id", saga.SagaID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.InfoContext(ctx, "order accepted",
		slog.String("saga_id", saga.SagaID),
		slog.String("order_id", saga.OrderID),
		slog.Int64("total_amount", saga.TotalAmount),
	)

	if err := o.startReservation(ctx, saga); err != nil {
		// The saga is durable; the scheduler picks it up from CREATED.
		o.logger.WarnContext(ctx, "reservation start deferred to retry driver",
			slog.String("saga_id", saga.SagaID),
			slog.String("error", err.Error()),
		)
	}

	return saga, nil
}

// GetSagaByOrderID returns the saga for the given order.
func (o *Orchestrator) GetSagaByOrderID(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	saga, err := o.sagas.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil, apperrors.NotFound("saga for order", orderID)
		}
		return nil, fmt.Errorf("get saga by order id: %w", err)
	}
	return saga, nil
}

// ============================================================================
// Inbound event handlers (event.Reactor)
// ============================================================================

// HandleStockReserved moves the saga to STOCK_RESERVED and starts the
// payment step. Deliveries for a saga already past reservation are stale
// duplicates and are dropped.
func (o *Orchestrator) HandleStockReserved(ctx context.Context, sagaID string, data event.StockReservedData) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateReservingStock {
			o.dropEvent(ctx, saga, "stock.reserved")
			return nil
		}
		if err := o.transition(ctx, saga, domain.StateReservingStock, domain.StateStockReserved, ""); err != nil {
			return err
		}
		return o.chargePayment(ctx, saga)
	})
}

// HandleStockRejected cancels the saga on an inventory decline.
func (o *Orchestrator) HandleStockRejected(ctx context.Context, sagaID string, data event.StockRejectedData) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateReservingStock {
			o.dropEvent(ctx, saga, "stock.rejected")
			return nil
		}
		rejection := &domain.RejectionError{Step: domain.StepReserveStock, Reason: data.Reason}
		saga.FailureReason = rejection.Error()
		return o.transition(ctx, saga, domain.StateReservingStock, domain.StateCancelled, saga.FailureReason)
	})
}

// HandleStockReleased closes the compensation: CANCELLED when the order was
// declined before payment, FAILED when a captured payment had to be refunded.
func (o *Orchestrator) HandleStockReleased(ctx context.Context, sagaID string) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateCompensatingStock {
			o.dropEvent(ctx, saga, "stock.released")
			return nil
		}
		next := domain.StateCancelled
		if saga.HasCompensated(domain.StepRefundPayment) {
			next = domain.StateFailed
		}
		return o.transition(ctx, saga, domain.StateCompensatingStock, next, saga.FailureReason)
	})
}

// HandlePaymentCaptured moves the saga to PAID and starts completion.
func (o *Orchestrator) HandlePaymentCaptured(ctx context.Context, sagaID string, data event.PaymentCapturedData) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateChargingPayment {
			o.dropEvent(ctx, saga, "payment.captured")
			return nil
		}
		if err := o.transition(ctx, saga, domain.StateChargingPayment, domain.StatePaid, ""); err != nil {
			return err
		}
		return o.completeOrder(ctx, saga)
	})
}

// HandlePaymentDeclined starts stock compensation. A duplicate decline after
// compensation has begun is a no-op.
func (o *Orchestrator) HandlePaymentDeclined(ctx context.Context, sagaID string, data event.PaymentDeclinedData) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateChargingPayment || saga.HasCompensated(domain.StepReleaseStock) {
			o.dropEvent(ctx, saga, "payment.declined")
			return nil
		}
		return o.compensateDecline(ctx, saga, data.Reason)
	})
}

// HandlePaymentRefunded acknowledges a refund confirmation. The compensation
// itself is closed by the stock.released event.
func (o *Orchestrator) HandlePaymentRefunded(ctx context.Context, sagaID string) error {
	saga, err := o.sagas.GetBySagaID(ctx, sagaID)
	if err != nil {
		return err
	}
	o.logger.DebugContext(ctx, "refund confirmed",
		slog.String("saga_id", saga.SagaID),
		slog.String("state", saga.State),
	)
	return nil
}

// HandleNotificationSent completes the saga once the confirmation went out.
func (o *Orchestrator) HandleNotificationSent(ctx context.Context, sagaID string) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.State != domain.StateCompleting {
			o.dropEvent(ctx, saga, "notification.sent")
			return nil
		}
		return o.transition(ctx, saga, domain.StateCompleting, domain.StateCompleted, "")
	})
}

// ============================================================================
// Forward steps
// ============================================================================

// startReservation moves CREATED -> RESERVING_STOCK and sends the
// reserve-stock command. The durable write happens before the send so a
// crash in between is recovered by the retry driver, never by double-send.
func (o *Orchestrator) startReservation(ctx context.Context, saga *domain.OrderSaga) error {
	if err := o.transition(ctx, saga, domain.StateCreated, domain.StateReservingStock, ""); err != nil {
		return err
	}
	return o.sendReserveStock(ctx, saga, false)
}

func (o *Orchestrator) sendReserveStock(ctx context.Context, saga *domain.OrderSaga, redeliver bool) error {
	result := o.dispatch(ctx, saga, domain.StepReserveStock, ReserveStockPayload{
		OrderID: saga.OrderID,
		Items:   saga.Items,
	}, redeliver)

	switch result.Status() {
	case gateway.StatusAccepted:
		// Confirmation arrives as a stock.reserved event.
		return nil
	case gateway.StatusRejected:
		rejection := &domain.RejectionError{Step: domain.StepReserveStock, Reason: result.Reason()}
		saga.FailureReason = rejection.Error()
		return o.transition(ctx, saga, domain.StateReservingStock, domain.StateCancelled, saga.FailureReason)
	default:
		o.deferStep(ctx, saga, domain.StepReserveStock, result.Err())
		return nil
	}
}

// chargePayment moves STOCK_RESERVED -> CHARGING_PAYMENT and sends the
// charge command.
func (o *Orchestrator) chargePayment(ctx context.Context, saga *domain.OrderSaga) error {
	if err := o.transition(ctx, saga, domain.StateStockReserved, domain.StateChargingPayment, ""); err != nil {
		return err
	}
	return o.sendChargePayment(ctx, saga, false)
}

func (o *Orchestrator) sendChargePayment(ctx context.Context, saga *domain.OrderSaga, redeliver bool) error {
	result := o.dispatch(ctx, saga, domain.StepChargePayment, ChargePaymentPayload{
		OrderID:     saga.OrderID,
		AmountMinor: saga.TotalAmount,
		Currency:    saga.Currency,
		MethodToken: saga.PaymentMethodToken,
	}, redeliver)

	switch result.Status() {
	case gateway.StatusAccepted:
		// Confirmation arrives as a payment.captured event.
		return nil
	case gateway.StatusRejected:
		// Synchronous decline: same compensation as a payment.declined event.
		return o.compensateDecline(ctx, saga, result.Reason())
	default:
		o.deferStep(ctx, saga, domain.StepChargePayment, result.Err())
		return nil
	}
}

// completeOrder moves PAID -> COMPLETING and sends the order confirmation.
func (o *Orchestrator) completeOrder(ctx context.Context, saga *domain.OrderSaga) error {
	if err := o.transition(ctx, saga, domain.StatePaid, domain.StateCompleting, ""); err != nil {
		return err
	}
	return o.sendConfirmation(ctx, saga, false)
}

func (o *Orchestrator) sendConfirmation(ctx context.Context, saga *domain.OrderSaga, redeliver bool) error {
	result := o.dispatch(ctx, saga, domain.StepCompleteOrder, OrderConfirmationPayload{
		OrderID:     saga.OrderID,
		TotalAmount: saga.TotalAmount,
		Currency:    saga.Currency,
	}, redeliver)

	if result.Status() != gateway.StatusAccepted {
		o.deferStep(ctx, saga, domain.StepCompleteOrder, result.Err())
	}
	return nil
}

// ============================================================================
// Compensation
// ============================================================================

// compensateDecline enters stock compensation after a payment decline.
// Guarded by compensations_applied so the saga compensates at most once.
func (o *Orchestrator) compensateDecline(ctx context.Context, saga *domain.OrderSaga, reason string) error {
	rejection := &domain.RejectionError{Step: domain.StepChargePayment, Reason: reason}
	saga.FailureReason = rejection.Error()
	saga.MarkCompensated(domain.StepReleaseStock)
	if err := o.transition(ctx, saga, domain.StateChargingPayment, domain.StateCompensatingStock, saga.FailureReason); err != nil {
		return err
	}
	return o.sendReleaseStock(ctx, saga, false)
}

func (o *Orchestrator) sendReleaseStock(ctx context.Context, saga *domain.OrderSaga, redeliver bool) error {
	result := o.dispatch(ctx, saga, domain.StepReleaseStock, ReleaseStockPayload{
		OrderID: saga.OrderID,
	}, redeliver)

	switch result.Status() {
	case gateway.StatusAccepted:
		// Confirmation arrives as a stock.released event.
		return nil
	case gateway.StatusRejected:
		// A rejected release cannot be compensated automatically.
		o.logger.ErrorContext(ctx, "stock release rejected, awaiting retry budget",
			slog.String("saga_id", saga.SagaID),
			slog.String("reason", result.Reason()),
		)
		return nil
	default:
		o.deferStep(ctx, saga, domain.StepReleaseStock, result.Err())
		return nil
	}
}

// compensateAfterPayment unwinds a captured payment when completion never
// confirms: refund the charge, release the stock, and let stock.released
// close the saga as FAILED.
func (o *Orchestrator) compensateAfterPayment(ctx context.Context, saga *domain.OrderSaga, reason string) error {
	saga.FailureReason = reason
	saga.MarkCompensated(domain.StepRefundPayment)
	saga.MarkCompensated(domain.StepReleaseStock)
	if err := o.transition(ctx, saga, domain.StateCompleting, domain.StateCompensatingStock, reason); err != nil {
		return err
	}

	refund := o.dispatch(ctx, saga, domain.StepRefundPayment, RefundPaymentPayload{
		OrderID:     saga.OrderID,
		AmountMinor: saga.TotalAmount,
		Currency:    saga.Currency,
	}, false)
	if refund.Status() == gateway.StatusUnavailable {
		o.deferStep(ctx, saga, domain.StepRefundPayment, refund.Err())
	}

	return o.sendReleaseStock(ctx, saga, false)
}

// ============================================================================
// Retry driver entry points
// ============================================================================

// RetryStalled re-enters the saga's current step. It is the single entry
// point for the scheduler and for operator force-retry; every path in it is
// idempotent. Once a step's retry budget is spent the saga is forced
// terminal instead of retrying forever.
func (o *Orchestrator) RetryStalled(ctx context.Context, sagaID string) error {
	return o.withSaga(ctx, sagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		if saga.IsTerminal() {
			o.logger.DebugContext(ctx, "skipping retry for terminal saga",
				slog.String("saga_id", saga.SagaID),
				slog.String("state", saga.State),
			)
			return nil
		}

		switch saga.State {
		case domain.StateCreated:
			// Crash between create and the first transition.
			return o.startReservation(ctx, saga)

		case domain.StateReservingStock:
			return o.retryStep(ctx, saga, domain.StepReserveStock, func(ctx context.Context) error {
				return o.sendReserveStock(ctx, saga, true)
			}, o.failSaga)

		case domain.StateStockReserved:
			// Crash between the reservation confirmation and the charge.
			return o.chargePayment(ctx, saga)

		case domain.StateChargingPayment:
			// Payment outcome is unknown; compensating blindly could release
			// stock for a captured charge. Exhaustion goes to FAILED for
			// operator attention.
			return o.retryStep(ctx, saga, domain.StepChargePayment, func(ctx context.Context) error {
				return o.sendChargePayment(ctx, saga, true)
			}, o.failSaga)

		case domain.StatePaid:
			// Crash between the capture confirmation and completion.
			return o.completeOrder(ctx, saga)

		case domain.StateCompleting:
			return o.retryStep(ctx, saga, domain.StepCompleteOrder, func(ctx context.Context) error {
				return o.sendConfirmation(ctx, saga, true)
			}, func(ctx context.Context, saga *domain.OrderSaga, reason string) error {
				return o.compensateAfterPayment(ctx, saga, reason)
			})

		case domain.StateCompensatingStock:
			return o.retryStep(ctx, saga, domain.StepReleaseStock, func(ctx context.Context) error {
				if saga.HasCompensated(domain.StepRefundPayment) {
					refund := o.dispatch(ctx, saga, domain.StepRefundPayment, RefundPaymentPayload{
						OrderID:     saga.OrderID,
						AmountMinor: saga.TotalAmount,
						Currency:    saga.Currency,
					}, true)
					if refund.Status() == gateway.StatusUnavailable {
						o.deferStep(ctx, saga, domain.StepRefundPayment, refund.Err())
					}
				}
				return o.sendReleaseStock(ctx, saga, true)
			}, o.failSaga)

		default:
			return fmt.Errorf("saga %s in unexpected state %s", saga.SagaID, saga.State)
		}
	})
}

// retryStep spends one unit of the step's retry budget, persists the
// counter, and re-sends. onExhaust runs once the budget is gone.
func (o *Orchestrator) retryStep(
	ctx context.Context,
	saga *domain.OrderSaga,
	step string,
	send func(ctx context.Context) error,
	onExhaust func(ctx context.Context, saga *domain.OrderSaga, reason string) error,
) error {
	attempts := saga.RecordAttempt(step)
	if attempts > o.maxAttempts {
		exhausted := &domain.ExhaustedError{Step: step, Attempts: attempts - 1}
		o.logger.ErrorContext(ctx, "retry budget exhausted, manual intervention may be required",
			slog.String("saga_id", saga.SagaID),
			slog.String("step", step),
			slog.Int("attempts", exhausted.Attempts),
		)
		return onExhaust(ctx, saga, exhausted.Error())
	}

	StepRetries.WithLabelValues(step).Inc()

	// Persist the counter and refresh the transition clock so the stalled
	// scan does not pick the saga up again before the next backoff window.
	if err := o.sagas.CompareAndSwapState(ctx, saga, saga.State, saga.State); err != nil {
		return err
	}

	return send(ctx)
}

// failSaga forces the saga to FAILED from its current state.
func (o *Orchestrator) failSaga(ctx context.Context, saga *domain.OrderSaga, reason string) error {
	saga.FailureReason = reason
	return o.transition(ctx, saga, saga.State, domain.StateFailed, reason)
}

// ============================================================================
// Administrative operations
// ============================================================================

// RetryOrder force-retries the saga for the given order.
func (o *Orchestrator) RetryOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	saga, err := o.sagas.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil, apperrors.NotFound("saga for order", orderID)
		}
		return nil, fmt.Errorf("get saga for retry: %w", err)
	}
	if saga.IsTerminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("saga is %s and cannot be retried", saga.State))
	}

	if err := o.RetryStalled(ctx, saga.SagaID); err != nil {
		return nil, fmt.Errorf("retry saga: %w", err)
	}

	saga, err = o.sagas.GetBySagaID(ctx, saga.SagaID)
	if err != nil {
		return nil, fmt.Errorf("reload saga after retry: %w", err)
	}
	return saga, nil
}

// CancelOrder force-cancels the saga for the given order. Cancellation is
// rejected once payment has started: past that point the money side is in
// motion and only the normal compensation paths may unwind it.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	saga, err := o.sagas.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil, apperrors.NotFound("saga for order", orderID)
		}
		return nil, fmt.Errorf("get saga for cancel: %w", err)
	}

	err = o.withSaga(ctx, saga.SagaID, func(ctx context.Context, saga *domain.OrderSaga) error {
		switch saga.State {
		case domain.StateCreated, domain.StateReservingStock:
			saga.FailureReason = "cancelled by operator"
			return o.transition(ctx, saga, saga.State, domain.StateCancelled, saga.FailureReason)

		case domain.StateStockReserved:
			saga.FailureReason = "cancelled by operator"
			saga.MarkCompensated(domain.StepReleaseStock)
			if err := o.transition(ctx, saga, domain.StateStockReserved, domain.StateCompensatingStock, saga.FailureReason); err != nil {
				return err
			}
			return o.sendReleaseStock(ctx, saga, false)

		default:
			return apperrors.Conflict(fmt.Sprintf("saga in state %s can no longer be cancelled", saga.State))
		}
	})
	if err != nil {
		return nil, err
	}

	saga, err = o.sagas.GetBySagaID(ctx, saga.SagaID)
	if err != nil {
		return nil, fmt.Errorf("reload saga after cancel: %w", err)
	}
	return saga, nil
}

// ============================================================================
// Internals
// ============================================================================

// withSaga runs apply against a freshly loaded saga, reloading and
// re-evaluating on compare-and-swap conflicts. Conflicts mean concurrent
// deliveries for the same saga; the loser re-reads and re-decides.
func (o *Orchestrator) withSaga(ctx context.Context, sagaID string, apply func(ctx context.Context, saga *domain.OrderSaga) error) error {
	var lastErr error
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		saga, err := o.sagas.GetBySagaID(ctx, sagaID)
		if err != nil {
			return err
		}

		lastErr = apply(ctx, saga)
		if !errors.Is(lastErr, domain.ErrConflict) {
			return lastErr
		}

		o.logger.DebugContext(ctx, "state conflict, reloading saga",
			slog.String("saga_id", sagaID),
			slog.Int("attempt", attempt+1),
		)
	}
	return lastErr
}

// transition performs the compare-and-swap and publishes the status change.
// Only edges of the state graph are written; anything else is a bug in the
// caller, not a race, and is refused before touching the store.
func (o *Orchestrator) transition(ctx context.Context, saga *domain.OrderSaga, expected, next, reason string) error {
	if !domain.CanTransition(expected, next) {
		return fmt.Errorf("transition %s -> %s is not in the saga state graph", expected, next)
	}
	if err := o.sagas.CompareAndSwapState(ctx, saga, expected, next); err != nil {
		return err
	}

	TransitionsTotal.WithLabelValues(expected, next).Inc()
	if domain.IsTerminalState(next) {
		TerminalTotal.WithLabelValues(next).Inc()
	}

	o.logger.InfoContext(ctx, "saga transitioned",
		slog.String("saga_id", saga.SagaID),
		slog.String("from", expected),
		slog.String("to", next),
	)

	// Publish event; log but do not fail on error.
	if err := o.producer.PublishStatusChanged(ctx, saga, expected, reason); err != nil {
		o.logger.ErrorContext(ctx, "failed to publish order.status_changed event",
			slog.String("saga_id", saga.SagaID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// dispatch sends a step command through the idempotency ledger. Exactly one
// in-flight send per key; a committed outcome is replayed without repeating
// the side effect. With redeliver set, a committed accepted outcome is
// re-sent anyway so the collaborator can re-emit its confirmation; the
// shared idempotency key keeps that safe.
func (o *Orchestrator) dispatch(ctx context.Context, saga *domain.OrderSaga, step string, payload any, redeliver bool) gateway.Result {
	key := saga.IdempotencyKey(step)

	res, err := o.ledger.Reserve(ctx, key)
	if err != nil {
		return gateway.Unavailable(fmt.Errorf("reserve idempotency key: %w", err))
	}

	if !res.Fresh {
		if res.Status == repository.LedgerCommitted {
			stored := storedResult(res)
			if !redeliver || stored.Status() == gateway.StatusRejected {
				return stored
			}
		} else {
			// A live caller must not race a send that may still be in
			// flight, so it only reclaims entries older than the reclaim
			// window. A redelivery is already paced by the retry driver's
			// backoff; its pending entry is a send that never produced an
			// outcome and is reclaimed regardless of age.
			cutoff := time.Now().UTC()
			if !redeliver {
				cutoff = cutoff.Add(-o.reclaimAfter)
			}
			won, err := o.ledger.Reclaim(ctx, key, cutoff)
			if err != nil {
				return gateway.Unavailable(fmt.Errorf("reclaim idempotency key: %w", err))
			}
			if !won {
				return gateway.Unavailable(fmt.Errorf("command %s for saga %s still in flight", step, saga.SagaID))
			}
		}
	}

	result := o.commands.Send(ctx, gateway.Command{
		Type:           stepCommands[step],
		IdempotencyKey: key,
		SagaID:         saga.SagaID,
		Payload:        payload,
	})

	switch result.Status() {
	case gateway.StatusAccepted:
		o.commitLedger(ctx, key, outcomeAccepted, result.Payload())
	case gateway.StatusRejected:
		record, _ := json.Marshal(rejectionRecord{Reason: result.Reason()})
		o.commitLedger(ctx, key, outcomeRejected, record)
	}
	// Unavailable leaves the entry pending; the reclaim path owns the retry.

	return result
}

func (o *Orchestrator) commitLedger(ctx context.Context, key, outcome string, payload json.RawMessage) {
	if err := o.ledger.Commit(ctx, key, outcome, payload); err != nil && !errors.Is(err, domain.ErrConflict) {
		o.logger.WarnContext(ctx, "failed to commit idempotency key",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// storedResult reconstructs a gateway result from a committed ledger entry.
func storedResult(res *repository.Reservation) gateway.Result {
	if res.Outcome == outcomeRejected {
		var record rejectionRecord
		if err := json.Unmarshal(res.Payload, &record); err == nil && record.Reason != "" {
			return gateway.Rejected(record.Reason)
		}
		return gateway.Rejected("rejected by collaborator")
	}
	return gateway.Accepted(res.Payload)
}

// deferStep logs a transient failure and leaves the saga where it is for
// the retry driver.
func (o *Orchestrator) deferStep(ctx context.Context, saga *domain.OrderSaga, step string, err error) {
	msg := "collaborator unavailable"
	if err != nil {
		msg = err.Error()
	}
	o.logger.WarnContext(ctx, "step deferred to retry driver",
		slog.String("saga_id", saga.SagaID),
		slog.String("step", step),
		slog.String("error", msg),
	)
}

// dropEvent records a stale or out-of-order delivery. Expected under
// at-least-once redelivery, not an error.
func (o *Orchestrator) dropEvent(ctx context.Context, saga *domain.OrderSaga, eventType string) {
	DroppedEvents.WithLabelValues(eventType).Inc()
	o.logger.DebugContext(ctx, "ignoring stale event",
		slog.String("saga_id", saga.SagaID),
		slog.String("event_type", eventType),
		slog.String("state", saga.State),
	)
}

// ============================================================================
// Command payloads
// ============================================================================

// ReserveStockPayload is the reserve-stock command body.
type ReserveStockPayload struct {
	OrderID string            `json:"order_id"`
	Items   []domain.LineItem `json:"items"`
}

// ReleaseStockPayload is the release-stock command body.
type ReleaseStockPayload struct {
	OrderID string `json:"order_id"`
}

// ChargePaymentPayload is the charge-payment command body. Amounts are
// minor-unit integers, never floats.
type ChargePaymentPayload struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	MethodToken string `json:"method_token,omitempty"`
}

// RefundPaymentPayload is the refund-payment command body.
type RefundPaymentPayload struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// OrderConfirmationPayload is the order confirmation notification body.
type OrderConfirmationPayload struct {
	OrderID     string `json:"order_id"`
	TotalAmount int64  `json:"total_amount"`
	Currency    string `json:"currency"`
}
