package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlarmKind classifies operator alarms
type AlarmKind string

const (
	AlarmCompensationExhausted AlarmKind = "COMPENSATION_EXHAUSTED"
	AlarmRecoveryExhausted     AlarmKind = "RECOVERY_EXHAUSTED"
)

// Alarm is an operator-visible escalation. Money may be half-applied.
type Alarm struct {
	Kind           AlarmKind `json:"kind"`
	SagaID         uuid.UUID `json:"saga_id"`
	Definition     string    `json:"definition"`
	IdempotencyKey string    `json:"idempotency_key"`
	Steps          []string  `json:"steps,omitempty"`
	Error          string    `json:"error"`
	RaisedAt       time.Time `json:"raised_at"`
}

// Alarmer delivers alarms to operators
type Alarmer interface {
	Raise(ctx context.Context, alarm Alarm) error
}
