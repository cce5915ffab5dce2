package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/internal/repository"
)

// Default tuning values.
const (
	defaultInterval       = 10 * time.Second
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultBatchSize      = 50
	defaultReclaimAfter   = 5 * time.Minute
)

// stateSteps maps each active state to the step whose attempt counter
// paces its retries. States without a counter retry on the base interval.
var stateSteps = map[string]string{
	domain.StateReservingStock:    domain.StepReserveStock,
	domain.StateChargingPayment:   domain.StepChargePayment,
	domain.StateCompleting:        domain.StepCompleteOrder,
	domain.StateCompensatingStock: domain.StepReleaseStock,
}

// activeStates lists the states the stalled scan covers. Terminal states
// are never scanned.
var activeStates = []string{
	domain.StateCreated,
	domain.StateReservingStock,
	domain.StateStockReserved,
	domain.StateChargingPayment,
	domain.StatePaid,
	domain.StateCompleting,
	domain.StateCompensatingStock,
}

// Retrier re-enters a saga's current step. Implemented by the orchestrator;
// every path behind it is idempotent, so concurrent scheduler instances are
// safe.
type Retrier interface {
	RetryStalled(ctx context.Context, sagaID string) error
}

// Config holds scheduler tuning knobs.
type Config struct {
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BatchSize      int
	ReclaimAfter   time.Duration
}

// Scheduler periodically scans for stalled sagas and abandoned ledger
// entries and drives them back through the orchestrator.
type Scheduler struct {
	sagas   repository.SagaRepository
	ledger  repository.IdempotencyRepository
	retrier Retrier
	logger  *slog.Logger
	cfg     Config
}

// New creates the retry driver.
func New(sagas repository.SagaRepository, ledger repository.IdempotencyRepository, retrier Retrier, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = defaultReclaimAfter
	}
	return &Scheduler{
		sagas:   sagas,
		ledger:  ledger,
		retrier: retrier,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run executes sweeps on the configured interval until the context is
// canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("retry driver started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("initial_backoff", s.cfg.InitialBackoff),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry driver stopping")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over stalled sagas and abandoned ledger entries.
func (s *Scheduler) Sweep(ctx context.Context) {
	Sweeps.Inc()
	now := time.Now().UTC()

	for _, state := range activeStates {
		stalled, err := s.sagas.ListStalled(ctx, state, now.Add(-s.cfg.InitialBackoff), s.cfg.BatchSize)
		if err != nil {
			s.logger.ErrorContext(ctx, "stalled saga scan failed",
				slog.String("state", state),
				slog.String("error", err.Error()),
			)
			continue
		}

		for i := range stalled {
			saga := &stalled[i]
			if !s.due(saga, now) {
				continue
			}
			s.retry(ctx, saga.SagaID, state)
		}
	}

	s.sweepLedger(ctx, now)
}

// due reports whether the saga's stall has outlived the jittered backoff
// window for its current attempt count.
func (s *Scheduler) due(saga *domain.OrderSaga, now time.Time) bool {
	step, ok := stateSteps[saga.State]
	if !ok {
		// No counter-paced step: a saga parked here means a crash between
		// transitions; retry on the base interval.
		return true
	}
	return now.Sub(saga.LastTransitionAt) >= s.delayFor(saga.Attempts(step))
}

// delayFor computes the exponential backoff delay with jitter for the
// given attempt count.
func (s *Scheduler) delayFor(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff

	delay := bo.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (s *Scheduler) retry(ctx context.Context, sagaID, state string) {
	Retries.WithLabelValues(state).Inc()
	if err := s.retrier.RetryStalled(ctx, sagaID); err != nil {
		s.logger.WarnContext(ctx, "stalled saga retry failed",
			slog.String("saga_id", sagaID),
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
	}
}

// sweepLedger finds pending idempotency entries abandoned by a crashed
// process and re-enters their sagas. The reclaim itself happens inside the
// orchestrator's dispatch, so exactly one retrier wins per key.
func (s *Scheduler) sweepLedger(ctx context.Context, now time.Time) {
	keys, err := s.ledger.ListAbandoned(ctx, now.Add(-s.cfg.ReclaimAfter), s.cfg.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "abandoned ledger scan failed", slog.String("error", err.Error()))
		return
	}

	for _, key := range keys {
		AbandonedKeys.Inc()

		// Keys are saga_id:step.
		sagaID, _, found := strings.Cut(key, ":")
		if !found || sagaID == "" {
			s.logger.WarnContext(ctx, "malformed ledger key", slog.String("key", key))
			continue
		}

		s.logger.InfoContext(ctx, "reclaiming abandoned command",
			slog.String("key", key),
			slog.String("saga_id", sagaID),
		)
		s.retry(ctx, sagaID, "ledger_reclaim")
	}
}
