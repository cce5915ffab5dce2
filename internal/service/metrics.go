package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SagasStarted counts accepted orders.
	SagasStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of order sagas created",
	})

	// TransitionsTotal counts state transitions by edge.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total number of saga state transitions",
		},
		[]string{"from", "to"},
	)

	// TerminalTotal counts sagas reaching a terminal state.
	TerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_terminal_total",
			Help: "Total number of sagas reaching a terminal state",
		},
		[]string{"state"},
	)

	// StepRetries counts retry attempts by step.
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of step retries issued by the retry driver",
		},
		[]string{"step"},
	)

	// DroppedEvents counts stale or out-of-order deliveries that were ignored.
	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_dropped_events_total",
			Help: "Total number of stale inbound events dropped",
		},
		[]string{"event_type"},
	)
)
