package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/shared"
)

// OutcomeStatus is what a caller learns about its request
type OutcomeStatus string

const (
	OutcomeSettled  OutcomeStatus = "SETTLED"
	OutcomeFailed   OutcomeStatus = "FAILED"
	OutcomeReversed OutcomeStatus = "REVERSED"
	// OutcomeIndeterminate asks the caller to retry with the same idempotency key.
	OutcomeIndeterminate OutcomeStatus = "INDETERMINATE"
)

// Outcome is the definite result stored against an idempotency key and replayed
type Outcome struct {
	PaymentID          uuid.UUID            `json:"payment_id"`
	SagaID             uuid.UUID            `json:"saga_id"`
	OrderID            string               `json:"order_id,omitempty"`
	Status             OutcomeStatus        `json:"status"`
	State              State                `json:"state"`
	Amount             int64                `json:"amount_minor_units"`
	Currency           string               `json:"currency"`
	DisplayAmount      string               `json:"display_amount,omitempty"`
	ProcessorReference string               `json:"processor_reference,omitempty"`
	FailureReason      shared.FailureReason `json:"failure_reason,omitempty"`
	Message            string               `json:"message,omitempty"`
	CompletedAt        time.Time            `json:"completed_at"`
}

// IsFinal reports whether the outcome may be stored as the terminal result of a key
func (o *Outcome) IsFinal() bool {
	return o.Status != OutcomeIndeterminate
}

// OutcomeFor maps an aggregate state to the status a caller sees
func OutcomeFor(state State) OutcomeStatus {
	switch state {
	case StateSettled:
		return OutcomeSettled
	case StateFailed:
		return OutcomeFailed
	case StateReversed:
		return OutcomeReversed
	}
	return OutcomeIndeterminate
}
