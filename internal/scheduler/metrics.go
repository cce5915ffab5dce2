package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sweeps counts completed scan passes.
	Sweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_scheduler_sweeps_total",
		Help: "Total number of retry driver sweeps",
	})

	// Retries counts sagas re-entered by the driver, by the state they
	// were found in.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_scheduler_retries_total",
			Help: "Total number of stalled sagas re-entered by the retry driver",
		},
		[]string{"state"},
	)

	// AbandonedKeys counts ledger entries found abandoned by the sweep.
	AbandonedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_scheduler_abandoned_keys_total",
		Help: "Total number of abandoned idempotency ledger entries found",
	})
)
