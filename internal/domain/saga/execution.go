package saga

import (
	"time"

	"github.com/google/uuid"
)

// Status of a saga execution
type Status string

const (
	StatusRunning            Status = "RUNNING"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
)

// IsTerminal reports whether the execution needs no further work
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensationFailed
}

// StepStatus of a single step
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepInFlight           StepStatus = "IN_FLIGHT"
	StepCommitted          StepStatus = "COMMITTED"
	StepFailed             StepStatus = "FAILED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepRecord is the persisted progress of one step
type StepRecord struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	Error         string     `json:"error,omitempty"`
	CommittedAt   *time.Time `json:"committed_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
}

// Execution records which steps of a saga committed so a crashed run can resume
type Execution struct {
	SagaID         uuid.UUID         `json:"saga_id"`
	Definition     string            `json:"definition"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         Status            `json:"status"`
	Steps          []StepRecord      `json:"steps"`
	Data           map[string]string `json:"data"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Runs           int               `json:"runs"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewExecution creates a running execution with every step pending
func NewExecution(sagaID uuid.UUID, definition, idempotencyKey string, stepNames []string, data map[string]string, now time.Time) *Execution {
	steps := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepRecord{Name: name, Status: StepPending}
	}
	copied := make(map[string]string, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return &Execution{
		SagaID:         sagaID,
		Definition:     definition,
		IdempotencyKey: idempotencyKey,
		Status:         StatusRunning,
		Steps:          steps,
		Data:           copied,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Step returns the record of the named step
func (e *Execution) Step(name string) *StepRecord {
	for i := range e.Steps {
		if e.Steps[i].Name == name {
			return &e.Steps[i]
		}
	}
	return nil
}

// Committed returns the names of committed steps in execution order
func (e *Execution) Committed() []string {
	var names []string
	for _, s := range e.Steps {
		if s.Status == StepCommitted || s.Status == StepCompensating || s.Status == StepCompensationFailed {
			names = append(names, s.Name)
		}
	}
	return names
}

// SideEffectCommitted reports whether any of the given steps has committed
func (e *Execution) SideEffectCommitted(sideEffecting map[string]bool) bool {
	for _, s := range e.Steps {
		if sideEffecting[s.Name] && s.Status != StepPending && s.Status != StepInFlight && s.Status != StepFailed {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used by stores that must not share memory with callers
func (e *Execution) Clone() *Execution {
	c := *e
	c.Steps = make([]StepRecord, len(e.Steps))
	copy(c.Steps, e.Steps)
	c.Data = make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		c.Data[k] = v
	}
	return &c
}
