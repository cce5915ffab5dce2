package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/pkg/database"
)

// SagaRepository implements repository.SagaRepository using PostgreSQL.
type SagaRepository struct {
	pool database.DBTX
}

// NewSagaRepository creates a new PostgreSQL-backed saga repository.
func NewSagaRepository(pool database.DBTX) *SagaRepository {
	return &SagaRepository{pool: pool}
}

const sagaColumns = `saga_id, order_id, state, items, total_amount, currency,
		payment_method_token, attempt_counters, compensations_applied,
		failure_reason, last_transition_at, created_at, updated_at`

// Create inserts a new saga record.
func (r *SagaRepository) Create(ctx context.Context, saga *domain.OrderSaga) error {
	itemsJSON, err := json.Marshal(saga.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	countersJSON, err := json.Marshal(saga.AttemptCounters)
	if err != nil {
		return fmt.Errorf("marshal attempt counters: %w", err)
	}

	compensationsJSON, err := json.Marshal(saga.CompensationsApplied)
	if err != nil {
		return fmt.Errorf("marshal compensations: %w", err)
	}

	query := `
		INSERT INTO order_sagas (
			saga_id, order_id, state, items, total_amount, currency,
			payment_method_token, attempt_counters, compensations_applied,
			failure_reason, last_transition_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		)`

	_, err = r.pool.Exec(ctx, query,
		saga.SagaID,
		saga.OrderID,
		saga.State,
		itemsJSON,
		saga.TotalAmount,
		saga.Currency,
		nullableString(saga.PaymentMethodToken),
		countersJSON,
		compensationsJSON,
		nullableString(saga.FailureReason),
		saga.LastTransitionAt,
		saga.CreatedAt,
		saga.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("saga for order %s already exists: %w", saga.OrderID, domain.ErrConflict)
		}
		return fmt.Errorf("insert saga: %w", err)
	}

	return nil
}

// GetBySagaID retrieves a saga by its saga ID.
func (r *SagaRepository) GetBySagaID(ctx context.Context, sagaID string) (*domain.OrderSaga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM order_sagas
		WHERE saga_id = $1`

	return r.scanSaga(ctx, query, sagaID)
}

// GetByOrderID retrieves the saga for the given order. If the order was
// retried with multiple saga attempts, the most recent one wins.
func (r *SagaRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.OrderSaga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM order_sagas
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	return r.scanSaga(ctx, query, orderID)
}

// CompareAndSwapState moves the saga from expected to next and persists its
// mutable fields in one conditional update. A zero-row result is resolved
// into domain.ErrConflict or domain.ErrSagaNotFound by re-reading the row.
func (r *SagaRepository) CompareAndSwapState(ctx context.Context, saga *domain.OrderSaga, expected, next string) error {
	if !domain.IsValidState(next) {
		return fmt.Errorf("invalid saga state %q", next)
	}

	countersJSON, err := json.Marshal(saga.AttemptCounters)
	if err != nil {
		return fmt.Errorf("marshal attempt counters: %w", err)
	}

	compensationsJSON, err := json.Marshal(saga.CompensationsApplied)
	if err != nil {
		return fmt.Errorf("marshal compensations: %w", err)
	}

	now := time.Now().UTC()

	query := `
		UPDATE order_sagas
		SET state = $1, attempt_counters = $2, compensations_applied = $3,
			failure_reason = $4, last_transition_at = $5, updated_at = $6
		WHERE saga_id = $7 AND state = $8`

	ct, err := r.pool.Exec(ctx, query,
		next,
		countersJSON,
		compensationsJSON,
		nullableString(saga.FailureReason),
		now,
		now,
		saga.SagaID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("compare-and-swap saga state: %w", err)
	}

	if ct.RowsAffected() == 0 {
		// Distinguish a lost race from a missing saga.
		if _, getErr := r.GetBySagaID(ctx, saga.SagaID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("saga %s: expected state %s: %w", saga.SagaID, expected, domain.ErrConflict)
	}

	saga.State = next
	saga.LastTransitionAt = now
	saga.UpdatedAt = now
	return nil
}

// ListStalled returns sagas stuck in the given state since before the
// cutoff, oldest first.
func (r *SagaRepository) ListStalled(ctx context.Context, state string, olderThan time.Time, limit int) ([]domain.OrderSaga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM order_sagas
		WHERE state = $1 AND last_transition_at < $2
		ORDER BY last_transition_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, state, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled sagas: %w", err)
	}
	defer rows.Close()

	var sagas []domain.OrderSaga
	for rows.Next() {
		saga, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stalled saga row: %w", err)
		}
		sagas = append(sagas, *saga)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalled saga rows: %w", err)
	}

	if sagas == nil {
		sagas = []domain.OrderSaga{}
	}

	return sagas, nil
}

// scanSaga executes a query expected to return a single saga row.
func (r *SagaRepository) scanSaga(ctx context.Context, query string, args ...any) (*domain.OrderSaga, error) {
	var (
		saga              domain.OrderSaga
		itemsJSON         []byte
		countersJSON      []byte
		compensationsJSON []byte
		methodToken       *string
		failureReason     *string
	)

	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&saga.SagaID,
		&saga.OrderID,
		&saga.State,
		&itemsJSON,
		&saga.TotalAmount,
		&saga.Currency,
		&methodToken,
		&countersJSON,
		&compensationsJSON,
		&failureReason,
		&saga.LastTransitionAt,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, fmt.Errorf("scan saga: %w", err)
	}

	if err := unmarshalSagaFields(&saga, itemsJSON, countersJSON, compensationsJSON); err != nil {
		return nil, err
	}

	if methodToken != nil {
		saga.PaymentMethodToken = *methodToken
	}
	if failureReason != nil {
		saga.FailureReason = *failureReason
	}

	return &saga, nil
}

// scanRow scans a single row from a rows result set.
func (r *SagaRepository) scanRow(rows pgx.Rows) (*domain.OrderSaga, error) {
	var (
		saga              domain.OrderSaga
		itemsJSON         []byte
		countersJSON      []byte
		compensationsJSON []byte
		methodToken       *string
		failureReason     *string
	)

	if err := rows.Scan(
		&saga.SagaID,
		&saga.OrderID,
		&saga.State,
		&itemsJSON,
		&saga.TotalAmount,
		&saga.Currency,
		&methodToken,
		&countersJSON,
		&compensationsJSON,
		&failureReason,
		&saga.LastTransitionAt,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan saga row: %w", err)
	}

	if err := unmarshalSagaFields(&saga, itemsJSON, countersJSON, compensationsJSON); err != nil {
		return nil, err
	}

	if methodToken != nil {
		saga.PaymentMethodToken = *methodToken
	}
	if failureReason != nil {
		saga.FailureReason = *failureReason
	}

	return &saga, nil
}

// unmarshalSagaFields deserializes the JSON columns on the saga.
func unmarshalSagaFields(saga *domain.OrderSaga, itemsJSON, countersJSON, compensationsJSON []byte) error {
	if itemsJSON != nil {
		if err := json.Unmarshal(itemsJSON, &saga.Items); err != nil {
			return fmt.Errorf("unmarshal items: %w", err)
		}
	}
	if saga.Items == nil {
		saga.Items = []domain.LineItem{}
	}

	if countersJSON != nil && string(countersJSON) != "null" {
		if err := json.Unmarshal(countersJSON, &saga.AttemptCounters); err != nil {
			return fmt.Errorf("unmarshal attempt counters: %w", err)
		}
	}
	if saga.AttemptCounters == nil {
		saga.AttemptCounters = make(map[string]int)
	}

	if compensationsJSON != nil && string(compensationsJSON) != "null" {
		if err := json.Unmarshal(compensationsJSON, &saga.CompensationsApplied); err != nil {
			return fmt.Errorf("unmarshal compensations: %w", err)
		}
	}

	return nil
}

// nullableString returns nil if the string is empty, otherwise a pointer to the string.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
