package gateway

import (
	"context"
	"log/slog"

	"github.com/utafrali/OrderSagaGo/pkg/kafka"
)

// EventPublisher is the subset of the Kafka producer the gateway needs.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

// KafkaGateway publishes fire-and-forget commands (order confirmations) to
// Kafka. A successful publish is an accepted result; the notification
// collaborator acknowledges asynchronously with a notification.sent event.
type KafkaGateway struct {
	producer EventPublisher
	source   string
	logger   *slog.Logger
}

// NewKafkaGateway creates a gateway that publishes commands as events.
func NewKafkaGateway(producer EventPublisher, source string, logger *slog.Logger) *KafkaGateway {
	return &KafkaGateway{
		producer: producer,
		source:   source,
		logger:   logger,
	}
}

// Send publishes the command keyed by saga ID. Publish failures are
// unavailable: the scheduler retries them through the same idempotent path.
func (g *KafkaGateway) Send(ctx context.Context, cmd Command) Result {
	event, err := kafka.NewEvent(cmd.Type, cmd.SagaID, "saga", g.source, cmd.Payload)
	if err != nil {
		return Unavailable(err)
	}
	event.WithMetadata("idempotency_key", cmd.IdempotencyKey)

	topic := kafka.Topic("notification", "requested")
	if err := g.producer.Publish(ctx, topic, event); err != nil {
		return Unavailable(err)
	}

	g.logger.DebugContext(ctx, "command published",
		slog.String("command", cmd.Type),
		slog.String("saga_id", cmd.SagaID),
		slog.String("topic", topic),
	)

	return Accepted(nil)
}

// Router dispatches each command to the transport that serves it:
// notification commands go to Kafka, inventory and payment commands go
// over HTTP.
type Router struct {
	http  Sender
	kafka Sender
}

// NewRouter creates a command router over the two transports.
func NewRouter(httpGateway, kafkaGateway Sender) *Router {
	return &Router{http: httpGateway, kafka: kafkaGateway}
}

// Send routes the command by type.
func (r *Router) Send(ctx context.Context, cmd Command) Result {
	if cmd.Type == CommandSendOrderConfirmation {
		return r.kafka.Send(ctx, cmd)
	}
	return r.http.Send(ctx, cmd)
}
