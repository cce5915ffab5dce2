package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	pkgkafka "github.com/utafrali/OrderSagaGo/pkg/kafka"
)

// Collaborator event type names carried in inbound envelopes.
const (
	TypeStockReserved    = "stock.reserved"
	TypeStockRejected    = "stock.rejected"
	TypeStockReleased    = "stock.released"
	TypePaymentCaptured  = "payment.captured"
	TypePaymentDeclined  = "payment.declined"
	TypePaymentRefunded  = "payment.refunded"
	TypeNotificationSent = "notification.sent"
)

// StockReservedData is the inventory confirmation payload.
type StockReservedData struct {
	ReservationID string `json:"reservation_id"`
}

// StockRejectedData is the inventory decline payload.
type StockRejectedData struct {
	Reason string `json:"reason"`
}

// StockReleasedData is the inventory release confirmation payload.
type StockReleasedData struct {
	ReservationID string `json:"reservation_id,omitempty"`
}

// PaymentCapturedData is the payment capture confirmation payload.
type PaymentCapturedData struct {
	ChargeID string `json:"charge_id"`
}

// PaymentDeclinedData is the payment decline payload.
type PaymentDeclinedData struct {
	Reason string `json:"reason"`
}

// PaymentRefundedData is the payment refund confirmation payload.
type PaymentRefundedData struct {
	RefundID string `json:"refund_id,omitempty"`
}

// Reactor advances a saga in response to a collaborator event. The saga ID
// is the event's aggregate ID. Implementations absorb duplicates and stale
// deliveries; a returned error means the delivery should be retried.
type Reactor interface {
	HandleStockReserved(ctx context.Context, sagaID string, data StockReservedData) error
	HandleStockRejected(ctx context.Context, sagaID string, data StockRejectedData) error
	HandleStockReleased(ctx context.Context, sagaID string) error
	HandlePaymentCaptured(ctx context.Context, sagaID string, data PaymentCapturedData) error
	HandlePaymentDeclined(ctx context.Context, sagaID string, data PaymentDeclinedData) error
	HandlePaymentRefunded(ctx context.Context, sagaID string) error
	HandleNotificationSent(ctx context.Context, sagaID string) error
}

// Ingress translates inbound Kafka events into reactor calls.
type Ingress struct {
	reactor Reactor
	logger  *slog.Logger
}

// NewIngress creates an ingress dispatching to the given reactor.
func NewIngress(reactor Reactor, logger *slog.Logger) *Ingress {
	return &Ingress{
		reactor: reactor,
		logger:  logger,
	}
}

// Handle dispatches an event by type. Unknown event types and events for
// unknown sagas are logged and dropped so the consumer can commit them.
func (i *Ingress) Handle(ctx context.Context, event *pkgkafka.Event) error {
	sagaID := event.AggregateID
	if sagaID == "" {
		i.logger.WarnContext(ctx, "dropping event without aggregate id",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
		)
		return nil
	}

	var err error
	switch event.EventType {
	case TypeStockReserved:
		var data StockReservedData
		if err = event.UnmarshalData(&data); err == nil {
			err = i.reactor.HandleStockReserved(ctx, sagaID, data)
		}
	case TypeStockRejected:
		var data StockRejectedData
		if err = event.UnmarshalData(&data); err == nil {
			err = i.reactor.HandleStockRejected(ctx, sagaID, data)
		}
	case TypeStockReleased:
		err = i.reactor.HandleStockReleased(ctx, sagaID)
	case TypePaymentCaptured:
		var data PaymentCapturedData
		if err = event.UnmarshalData(&data); err == nil {
			err = i.reactor.HandlePaymentCaptured(ctx, sagaID, data)
		}
	case TypePaymentDeclined:
		var data PaymentDeclinedData
		if err = event.UnmarshalData(&data); err == nil {
			err = i.reactor.HandlePaymentDeclined(ctx, sagaID, data)
		}
	case TypePaymentRefunded:
		err = i.reactor.HandlePaymentRefunded(ctx, sagaID)
	case TypeNotificationSent:
		err = i.reactor.HandleNotificationSent(ctx, sagaID)
	default:
		i.logger.DebugContext(ctx, "ignoring unknown event type",
			slog.String("event_type", event.EventType),
			slog.String("saga_id", sagaID),
		)
		return nil
	}

	// An event for a saga this instance never created is not retryable.
	if errors.Is(err, domain.ErrSagaNotFound) {
		i.logger.DebugContext(ctx, "dropping event for unknown saga",
			slog.String("event_type", event.EventType),
			slog.String("saga_id", sagaID),
		)
		return nil
	}

	if err != nil {
		return fmt.Errorf("handle %s for saga %s: %w", event.EventType, sagaID, err)
	}
	return nil
}

// ConsumerTopics lists the inbound topics the orchestrator subscribes to.
func ConsumerTopics() []string {
	return []string{
		pkgkafka.Topic("stock", "reserved"),
		pkgkafka.Topic("stock", "rejected"),
		pkgkafka.Topic("stock", "released"),
		pkgkafka.Topic("payment", "captured"),
		pkgkafka.Topic("payment", "declined"),
		pkgkafka.Topic("payment", "refunded"),
		pkgkafka.Topic("notification", "sent"),
	}
}

// NewConsumers builds one consumer per inbound topic, each deduplicating
// deliveries through the shared idempotency store. Poison messages are
// routed to the dead-letter queue when dlq is non-nil.
func NewConsumers(brokers []string, groupID string, store pkgkafka.IdempotencyStore, dlq *pkgkafka.DLQProducer, reactor Reactor, logger *slog.Logger) []*pkgkafka.Consumer {
	ingress := NewIngress(reactor, logger)
	handler := pkgkafka.IdempotentHandler(store, ingress.Handle, logger)

	consumers := make([]*pkgkafka.Consumer, 0, len(ConsumerTopics()))
	for _, topic := range ConsumerTopics() {
		consumer := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handler, logger)
		if dlq != nil {
			consumer = consumer.WithDLQ(dlq)
		}
		consumers = append(consumers, consumer)
	}
	return consumers
}
