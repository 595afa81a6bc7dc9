package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists saga executions
type Repository interface {
	Get(ctx context.Context, sagaID uuid.UUID) (*Execution, error)
	// Save inserts a new execution (Version 0) or replaces the stored one when
	// its version matches exec.Version. On success exec.Version is incremented.
	Save(ctx context.Context, exec *Execution) error
	// ListStale returns unfinished executions not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Execution, error)
}

// ErrExecutionNotFound indicates missing saga execution
type ErrExecutionNotFound struct {
	SagaID uuid.UUID
}

func (e ErrExecutionNotFound) Error() string {
	return "saga execution not found: " + e.SagaID.String()
}

// Is implements the errors.Is interface for ErrExecutionNotFound
func (e ErrExecutionNotFound) Is(target error) bool {
	t, ok := target.(ErrExecutionNotFound)
	if !ok {
		return false
	}
	return t.SagaID == uuid.Nil || t.SagaID == e.SagaID
}

// ErrVersionConflict indicates another worker saved the execution first
type ErrVersionConflict struct {
	SagaID  uuid.UUID
	Version int
}

func (e ErrVersionConflict) Error() string {
	return fmt.Sprintf("saga execution %s: version %d is outdated", e.SagaID, e.Version)
}

// Is implements the errors.Is interface for ErrVersionConflict
func (e ErrVersionConflict) Is(target error) bool {
	t, ok := target.(ErrVersionConflict)
	if !ok {
		return false
	}
	return t.SagaID == uuid.Nil || t.SagaID == e.SagaID
}

// CompensationExhaustedError is raised when rollback could not complete within
// the retry budget. The saga is left for an operator.
type CompensationExhaustedError struct {
	SagaID uuid.UUID
	Steps  []string
	Err    error
}

func (e CompensationExhaustedError) Error() string {
	return fmt.Sprintf("saga %s: compensation exhausted for steps [%s]: %v", e.SagaID, strings.Join(e.Steps, ", "), e.Err)
}

func (e CompensationExhaustedError) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for CompensationExhaustedError
func (e CompensationExhaustedError) Is(target error) bool {
	t, ok := target.(CompensationExhaustedError)
	if !ok {
		return false
	}
	return t.SagaID == uuid.Nil || t.SagaID == e.SagaID
}
