package mongo

import (
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

type stepModel struct {
	Name          string     `bson:"name"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	Error         string     `bson:"error,omitempty"`
	CommittedAt   *time.Time `bson:"committed_at,omitempty"`
	CompensatedAt *time.Time `bson:"compensated_at,omitempty"`
}

type sagaExecutionModel struct {
	ID             string            `bson:"_id"`
	Definition     string            `bson:"definition"`
	IdempotencyKey string            `bson:"idempotency_key"`
	Status         string            `bson:"status"`
	Steps          []stepModel       `bson:"steps"`
	Data           map[string]string `bson:"data"`
	FailureReason  string            `bson:"failure_reason,omitempty"`
	Runs           int               `bson:"runs"`
	Version        int               `bson:"version"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toSagaModel(e *saga.Execution) *sagaExecutionModel {
	steps := make([]stepModel, len(e.Steps))
	for i, s := range e.Steps {
		steps[i] = stepModel{
			Name:          s.Name,
			Status:        string(s.Status),
			Attempts:      s.Attempts,
			Error:         s.Error,
			CommittedAt:   s.CommittedAt,
			CompensatedAt: s.CompensatedAt,
		}
	}
	return &sagaExecutionModel{
		ID:             e.SagaID.String(),
		Definition:     e.Definition,
		IdempotencyKey: e.IdempotencyKey,
		Status:         string(e.Status),
		Steps:          steps,
		Data:           e.Data,
		FailureReason:  e.FailureReason,
		Runs:           e.Runs,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func fromSagaModel(m *sagaExecutionModel) (*saga.Execution, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	steps := make([]saga.StepRecord, len(m.Steps))
	for i, s := range m.Steps {
		steps[i] = saga.StepRecord{
			Name:          s.Name,
			Status:        saga.StepStatus(s.Status),
			Attempts:      s.Attempts,
			Error:         s.Error,
			CommittedAt:   utcPtr(s.CommittedAt),
			CompensatedAt: utcPtr(s.CompensatedAt),
		}
	}
	data := m.Data
	if data == nil {
		data = map[string]string{}
	}
	return &saga.Execution{
		SagaID:         id,
		Definition:     m.Definition,
		IdempotencyKey: m.IdempotencyKey,
		Status:         saga.Status(m.Status),
		Steps:          steps,
		Data:           data,
		FailureReason:  m.FailureReason,
		Runs:           m.Runs,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
