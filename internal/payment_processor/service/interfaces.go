package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
)

// ProcessingService defines the interface for processing payment requests.
type ProcessingService interface {
	ProcessPayment(ctx context.Context, request *shared.PaymentRequest) (*payment.Outcome, error)
	// ResumeSaga continues an interrupted saga and resolves its request key
	// once the outcome is final.
	ResumeSaga(ctx context.Context, exec *saga.Execution) (*payment.Outcome, error)
}

// Registry gates a request on its idempotency key
type Registry interface {
	BeginOrReplay(ctx context.Context, key, fingerprint string) (*idempotency.Claim, error)
	Complete(ctx context.Context, key string, result any) error
	Fail(ctx context.Context, key string, result any) error
}

// Workflows runs the payment sagas
type Workflows interface {
	Charge(ctx context.Context, req *shared.PaymentRequest) (*payment.Outcome, error)
	Reverse(ctx context.Context, req *shared.PaymentRequest) (*payment.Outcome, error)
	Resume(ctx context.Context, sagaID uuid.UUID) (*payment.Outcome, error)
}
