package domain

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a compare-and-swap write loses the race:
// the persisted state no longer matches the expected state. Callers
// reload the saga and re-evaluate.
var ErrConflict = errors.New("saga state conflict")

// ErrSagaNotFound is returned when no saga exists for the given identifier.
var ErrSagaNotFound = errors.New("saga not found")

// RejectionError is a collaborator-confirmed business decline (insufficient
// stock, payment declined). It drives compensation, never retry.
type RejectionError struct {
	Step   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("step %s rejected: %s", e.Step, e.Reason)
}

// ExhaustedError signals that a step's retry budget is spent. The saga is
// forced to FAILED (or into compensation) and surfaced for operator attention.
type ExhaustedError struct {
	Step     string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step %s exhausted after %d attempts", e.Step, e.Attempts)
}
