package gateway

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsSent counts outbound commands by type and normalized outcome.
	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_commands_sent_total",
			Help: "Total number of outbound saga commands by normalized outcome",
		},
		[]string{"command", "outcome"},
	)

	// CommandDuration observes command round-trip time.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_command_duration_seconds",
			Help:    "Duration of outbound saga command dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

// InstrumentedSender wraps a Sender with prometheus instrumentation.
type InstrumentedSender struct {
	inner Sender
}

// NewInstrumentedSender instruments the given sender.
func NewInstrumentedSender(inner Sender) *InstrumentedSender {
	return &InstrumentedSender{inner: inner}
}

// Send records outcome counts and latency around the inner dispatch.
func (s *InstrumentedSender) Send(ctx context.Context, cmd Command) Result {
	start := time.Now()
	result := s.inner.Send(ctx, cmd)
	CommandDuration.WithLabelValues(cmd.Type).Observe(time.Since(start).Seconds())
	CommandsSent.WithLabelValues(cmd.Type, result.Status().String()).Inc()
	return result
}
