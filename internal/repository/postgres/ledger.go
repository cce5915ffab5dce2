package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/OrderSagaGo/internal/domain"
	"github.com/utafrali/OrderSagaGo/internal/repository"
	"github.com/utafrali/OrderSagaGo/pkg/database"
)

// LedgerRepository implements repository.IdempotencyRepository using
// PostgreSQL. Atomicity of Reserve rests on the primary-key constraint of
// saga_idempotency_keys: the ON CONFLICT DO NOTHING insert grants the key
// to exactly one caller.
type LedgerRepository struct {
	pool database.DBTX
}

// NewLedgerRepository creates a new PostgreSQL-backed idempotency ledger.
func NewLedgerRepository(pool database.DBTX) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Reserve claims the key for the calling side effect. The first caller gets
// Fresh=true; every later caller observes the stored record.
func (r *LedgerRepository) Reserve(ctx context.Context, key string) (*repository.Reservation, error) {
	now := time.Now().UTC()

	insert := `
		INSERT INTO saga_idempotency_keys (key, status, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`

	ct, err := r.pool.Exec(ctx, insert, key, repository.LedgerPending, now)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	if ct.RowsAffected() == 1 {
		return &repository.Reservation{
			Fresh:      true,
			Status:     repository.LedgerPending,
			RecordedAt: now,
		}, nil
	}

	// Key already exists: return the stored record.
	query := `
		SELECT status, outcome, payload, recorded_at
		FROM saga_idempotency_keys
		WHERE key = $1`

	var (
		res     repository.Reservation
		outcome *string
		payload []byte
	)
	err = r.pool.QueryRow(ctx, query, key).Scan(&res.Status, &outcome, &payload, &res.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The row vanished between insert and select. Treat as a lost
			// race and let the caller retry the whole reserve.
			return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrConflict)
		}
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}

	if outcome != nil {
		res.Outcome = *outcome
	}
	if payload != nil {
		res.Payload = json.RawMessage(payload)
	}

	return &res, nil
}

// Commit finalizes a pending reservation. Committed entries are never
// overwritten; committing twice returns domain.ErrConflict.
func (r *LedgerRepository) Commit(ctx context.Context, key, outcome string, payload json.RawMessage) error {
	query := `
		UPDATE saga_idempotency_keys
		SET status = $1, outcome = $2, payload = $3, committed_at = $4
		WHERE key = $5 AND status = $6`

	ct, err := r.pool.Exec(ctx, query,
		repository.LedgerCommitted,
		outcome,
		[]byte(payload),
		time.Now().UTC(),
		key,
		repository.LedgerPending,
	)
	if err != nil {
		return fmt.Errorf("commit idempotency key: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s not pending: %w", key, domain.ErrConflict)
	}

	return nil
}

// Reclaim bumps the recorded_at of an abandoned pending entry, granting the
// retry license to exactly one caller: the conditional update succeeds for
// whichever process observes the stale timestamp first.
func (r *LedgerRepository) Reclaim(ctx context.Context, key string, olderThan time.Time) (bool, error) {
	query := `
		UPDATE saga_idempotency_keys
		SET recorded_at = $1
		WHERE key = $2 AND status = $3 AND recorded_at < $4`

	ct, err := r.pool.Exec(ctx, query, time.Now().UTC(), key, repository.LedgerPending, olderThan)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}

	return ct.RowsAffected() == 1, nil
}

// ListAbandoned returns keys of pending entries older than the cutoff.
func (r *LedgerRepository) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	query := `
		SELECT key
		FROM saga_idempotency_keys
		WHERE status = $1 AND recorded_at < $2
		ORDER BY recorded_at ASC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, repository.LedgerPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan abandoned key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate abandoned keys: %w", err)
	}

	if keys == nil {
		keys = []string{}
	}

	return keys, nil
}
