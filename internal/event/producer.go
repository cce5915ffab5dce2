package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	pkgkafka "github.com/utafrali/OrderSagaGo/pkg/kafka"
	"github.com/utafrali/OrderSagaGo/pkg/logger"
)

// Saga lifecycle topics.
var (
	TopicOrderCreated       = pkgkafka.Topic("order", "created")
	TopicOrderStatusChanged = pkgkafka.Topic("order", "status_changed")
	TopicSagaCompleted      = pkgkafka.Topic("saga", "completed")
	TopicSagaCancelled      = pkgkafka.Topic("saga", "cancelled")
	TopicSagaFailed         = pkgkafka.Topic("saga", "failed")
)

// Event type names carried in the envelope.
const (
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
	TypeSagaCompleted      = "saga.completed"
	TypeSagaCancelled      = "saga.cancelled"
	TypeSagaFailed         = "saga.failed"
)

// Aggregate type constant.
const AggregateTypeSaga = "saga"

// Source identifier for events originating from the orchestrator.
const SourceOrchestrator = "saga-orchestrator"

// OrderCreatedData is the payload for an order.created event.
type OrderCreatedData struct {
	SagaID      string            `json:"saga_id"`
	OrderID     string            `json:"order_id"`
	Items       []domain.LineItem `json:"items"`
	TotalAmount int64             `json:"total_amount"`
	Currency    string            `json:"currency"`
}

// OrderStatusChangedData is the payload for an order.status_changed event.
type OrderStatusChangedData struct {
	SagaID        string `json:"saga_id"`
	OrderID       string `json:"order_id"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Reason        string `json:"reason,omitempty"`
}

// SagaTerminatedData is the payload for a terminal saga event.
type SagaTerminatedData struct {
	SagaID               string   `json:"saga_id"`
	OrderID              string   `json:"order_id"`
	State                string   `json:"state"`
	FailureReason        string   `json:"failure_reason,omitempty"`
	CompensationsApplied []string `json:"compensations_applied,omitempty"`
}

// Publisher is the subset of the Kafka producer the event publisher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes saga lifecycle events to Kafka.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the orchestrator.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishOrderCreated publishes an order.created event for a freshly
// accepted order.
func (p *Producer) PublishOrderCreated(ctx context.Context, saga *domain.OrderSaga) error {
	data := OrderCreatedData{
		SagaID:      saga.SagaID,
		OrderID:     saga.OrderID,
		Items:       saga.Items,
		TotalAmount: saga.TotalAmount,
		Currency:    saga.Currency,
	}

	event, err := p.newEvent(ctx, TypeOrderCreated, saga.SagaID, data)
	if err != nil {
		return fmt.Errorf("create order.created event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderCreated, event); err != nil {
		return fmt.Errorf("publish order.created event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.created event",
		slog.String("saga_id", saga.SagaID),
		slog.String("order_id", saga.OrderID),
	)

	return nil
}

// PublishStatusChanged publishes an order.status_changed event for a saga
// transition. Terminal transitions additionally get a terminal saga event.
func (p *Producer) PublishStatusChanged(ctx context.Context, saga *domain.OrderSaga, previousState, reason string) error {
	data := OrderStatusChangedData{
		SagaID:        saga.SagaID,
		OrderID:       saga.OrderID,
		PreviousState: previousState,
		NewState:      saga.State,
		Reason:        reason,
	}

	event, err := p.newEvent(ctx, TypeOrderStatusChanged, saga.SagaID, data)
	if err != nil {
		return fmt.Errorf("create order.status_changed event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderStatusChanged, event); err != nil {
		return fmt.Errorf("publish order.status_changed event: %w", err)
	}

	p.logger.DebugContext(ctx, "published order.status_changed event",
		slog.String("saga_id", saga.SagaID),
		slog.String("previous_state", previousState),
		slog.String("new_state", saga.State),
	)

	if saga.IsTerminal() {
		return p.publishTerminal(ctx, saga)
	}

	return nil
}

// publishTerminal publishes the terminal saga event matching the final state.
func (p *Producer) publishTerminal(ctx context.Context, saga *domain.OrderSaga) error {
	var eventType, topic string
	switch saga.State {
	case domain.StateCompleted:
		eventType, topic = TypeSagaCompleted, TopicSagaCompleted
	case domain.StateCancelled:
		eventType, topic = TypeSagaCancelled, TopicSagaCancelled
	case domain.StateFailed:
		eventType, topic = TypeSagaFailed, TopicSagaFailed
	default:
		return fmt.Errorf("state %s is not terminal", saga.State)
	}

	data := SagaTerminatedData{
		SagaID:               saga.SagaID,
		OrderID:              saga.OrderID,
		State:                saga.State,
		FailureReason:        saga.FailureReason,
		CompensationsApplied: saga.CompensationsApplied,
	}

	event, err := p.newEvent(ctx, eventType, saga.SagaID, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	p.logger.InfoContext(ctx, "published terminal saga event",
		slog.String("saga_id", saga.SagaID),
		slog.String("state", saga.State),
	)

	return nil
}

// newEvent builds an envelope carrying the request correlation ID when present.
func (p *Producer) newEvent(ctx context.Context, eventType, sagaID string, data any) (*pkgkafka.Event, error) {
	event, err := pkgkafka.NewEvent(eventType, sagaID, AggregateTypeSaga, SourceOrchestrator, data)
	if err != nil {
		return nil, err
	}
	if cid := logger.CorrelationIDFromContext(ctx); cid != "" {
		event.WithCorrelationID(cid)
	}
	return event, nil
}
