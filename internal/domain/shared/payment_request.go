package shared

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest   = errors.New("invalid payment request")
	ErrInvalidOperation = errors.New("invalid payment operation")
	ErrInvalidCurrency  = errors.New("invalid currency")
)

// PaymentRequest defines a Kafka message for payment processing
type PaymentRequest struct {
	Operation      Operation `json:"operation"`
	PaymentID      uuid.UUID `json:"payment_id"`
	OrderID        string    `json:"order_id,omitempty"`
	PayerAccountID string    `json:"payer_account_id,omitempty"`
	PayeeAccountID string    `json:"payee_account_id,omitempty"`
	Amount         int64     `json:"amount"` // Stored in cents/minor units
	Currency       string    `json:"currency,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CorrelationID  string    `json:"correlation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// paymentNamespace scopes the deterministic ids derived from idempotency keys.
var paymentNamespace = uuid.MustParse("6f1c0a52-8a43-4f4e-9d0b-3c7f52e1b9a4")

// PaymentIDForKey derives the payment id of a charge from its idempotency key,
// so every retry of the same request addresses the same aggregate.
func PaymentIDForKey(idempotencyKey string) uuid.UUID {
	return uuid.NewSHA1(paymentNamespace, []byte("charge:"+idempotencyKey))
}

// ReversalSagaIDForKey derives the saga id of a reversal request.
func ReversalSagaIDForKey(idempotencyKey string) uuid.UUID {
	return uuid.NewSHA1(paymentNamespace, []byte("reversal:"+idempotencyKey))
}
