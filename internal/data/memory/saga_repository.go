package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

// SagaRepository is an in-memory saga.Repository with optimistic versioning
type SagaRepository struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*saga.Execution
}

func NewSagaRepository() *SagaRepository {
	return &SagaRepository{executions: make(map[uuid.UUID]*saga.Execution)}
}

func (r *SagaRepository) Get(_ context.Context, sagaID uuid.UUID) (*saga.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[sagaID]
	if !ok {
		return nil, saga.ErrExecutionNotFound{SagaID: sagaID}
	}
	return exec.Clone(), nil
}

func (r *SagaRepository) Save(_ context.Context, exec *saga.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.executions[exec.SagaID]
	switch {
	case !ok && exec.Version != 0:
		return saga.ErrVersionConflict{SagaID: exec.SagaID, Version: exec.Version}
	case ok && stored.Version != exec.Version:
		return saga.ErrVersionConflict{SagaID: exec.SagaID, Version: exec.Version}
	}

	exec.Version++
	r.executions[exec.SagaID] = exec.Clone()
	return nil
}

func (r *SagaRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*saga.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*saga.Execution
	for _, exec := range r.executions {
		if exec.Status.IsTerminal() || !exec.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
