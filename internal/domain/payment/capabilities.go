package payment

import (
	"context"
	"errors"
	"fmt"
)

// ErrProcessorTimeout means the processor did not answer in time. The outcome
// of the call is unknown and must be reconciled through Status.
var ErrProcessorTimeout = errors.New("payment processor: timeout")

// ChargeStatus is the processor-side state of a charge attempt
type ChargeStatus string

const (
	ChargeApproved ChargeStatus = "APPROVED"
	ChargeDeclined ChargeStatus = "DECLINED"
	ChargeNotFound ChargeStatus = "NOT_FOUND"
	ChargePending  ChargeStatus = "PENDING"
)

// ChargeResult is the processor answer for one idempotency key
type ChargeResult struct {
	Status    ChargeStatus
	Reference string
	Reason    string
}

// Processor is the external payment processor. Every call is idempotent on
// its key: repeating Charge or Refund with the same key never moves money twice.
type Processor interface {
	Charge(ctx context.Context, amount int64, currency, idempotencyKey string) (ChargeResult, error)
	Status(ctx context.Context, idempotencyKey string) (ChargeResult, error)
	Refund(ctx context.Context, reference string, amount int64, currency, idempotencyKey string) error
}

// DeclinedError is a business rejection by the processor
type DeclinedError struct {
	Reason string
}

func (e DeclinedError) Error() string {
	return "payment declined by processor: " + e.Reason
}

// Is implements the errors.Is interface for DeclinedError
func (e DeclinedError) Is(target error) bool {
	_, ok := target.(DeclinedError)
	return ok
}

// Notification is the event sent to the payment parties
type Notification struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id,omitempty"`
	Event         string `json:"event"`
	State         State  `json:"state"`
	Amount        int64  `json:"amount_minor_units"`
	Currency      string `json:"currency"`
	DisplayAmount string `json:"display_amount"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Notifier delivers notifications. Failures are reported, never compensated.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// DeliveryError wraps a failed notification delivery
type DeliveryError struct {
	PaymentID string
	Err       error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("notification for payment %s not delivered: %v", e.PaymentID, e.Err)
}

func (e DeliveryError) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for DeliveryError
func (e DeliveryError) Is(target error) bool {
	_, ok := target.(DeliveryError)
	return ok
}
