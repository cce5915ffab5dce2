package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/utafrali/OrderSagaGo/internal/domain"
)

// SagaRepository is the durable store for order sagas. All state writes go
// through CompareAndSwapState; there is no unconditional update path.
type SagaRepository interface {
	// Create inserts a new saga record.
	Create(ctx context.Context, saga *domain.OrderSaga) error

	// GetBySagaID retrieves a saga by its saga ID.
	// Returns domain.ErrSagaNotFound if no saga exists.
	GetBySagaID(ctx context.Context, sagaID string) (*domain.OrderSaga, error)

	// GetByOrderID retrieves the saga for the given order.
	// Returns domain.ErrSagaNotFound if no saga exists.
	GetByOrderID(ctx context.Context, orderID string) (*domain.OrderSaga, error)

	// CompareAndSwapState persists the saga's mutable fields and moves its
	// state from expected to next in a single conditional update. Returns
	// domain.ErrConflict if the persisted state no longer equals expected,
	// domain.ErrSagaNotFound if the saga does not exist. The caller mutates
	// the in-memory saga (attempt counters, compensations, failure reason)
	// before calling; line items and the frozen total are never rewritten.
	CompareAndSwapState(ctx context.Context, saga *domain.OrderSaga, expected, next string) error

	// ListStalled returns sagas sitting in the given state whose last
	// transition is older than the cutoff, oldest first.
	ListStalled(ctx context.Context, state string, olderThan time.Time, limit int) ([]domain.OrderSaga, error)
}

// Reservation is the outcome of a ledger reserve call. Exactly one caller
// per key observes Fresh=true and owns the side effect; everyone else gets
// the stored record.
type Reservation struct {
	Fresh      bool
	Status     string
	Outcome    string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Ledger entry status constants.
const (
	LedgerPending   = "pending"
	LedgerCommitted = "committed"
)

// IdempotencyRepository is the durable idempotency ledger: a mapping from
// operation key to outcome that prevents duplicate side effects.
type IdempotencyRepository interface {
	// Reserve atomically claims the key. On first call it records a pending
	// entry and returns Fresh=true: the caller must perform the side effect
	// and Commit. On any later call it returns the stored record with
	// Fresh=false and the caller must not repeat the side effect.
	Reserve(ctx context.Context, key string) (*Reservation, error)

	// Commit finalizes a pending reservation with its outcome. Committing a
	// key that is already committed returns domain.ErrConflict; committed
	// entries are never overwritten.
	Commit(ctx context.Context, key, outcome string, payload json.RawMessage) error

	// Reclaim grants exactly one caller a retry license for a pending entry
	// older than the cutoff (an abandoned reservation from a crashed
	// process). Returns true if this caller won the reclaim.
	Reclaim(ctx context.Context, key string, olderThan time.Time) (bool, error)

	// ListAbandoned returns keys of pending entries older than the cutoff,
	// for the reconciliation sweep.
	ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}
