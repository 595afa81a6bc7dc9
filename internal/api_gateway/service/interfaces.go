package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrAccountNotFound = errors.New("account not found")
	// ErrPublishFailed means the request was not queued; retrying with the
	// same key is safe
	ErrPublishFailed = errors.New("payment request could not be queued")
)

// SubmissionStatus tells the caller whether its request finished
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionFinished SubmissionStatus = "FINISHED"
)

// Submission is the gateway's answer to a payment or reversal request
type Submission struct {
	PaymentID uuid.UUID
	Status    SubmissionStatus
	// Outcome is set for a finished request replayed from the registry
	Outcome *payment.Outcome
}

// PaymentService accepts payment requests and serves payment views
type PaymentService interface {
	// SubmitPayment validates the request and either replays the stored outcome
	// of its idempotency key or hands it to the processor.
	// Returns idempotency.ConflictError when the key was used for another request.
	SubmitPayment(ctx context.Context, request *shared.PaymentRequest) (*Submission, error)

	// GetPayment returns ErrPaymentNotFound for unknown payments
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*components.PaymentView, error)
}

// AccountBalance is the derived balance of an account
type AccountBalance struct {
	AccountID string
	Balance   int64
	Currency  string
	Entries   int64
	HeadHash  string
}

// AccountService serves read-only views of the ledger
type AccountService interface {
	// GetBalance returns ErrAccountNotFound for accounts without entries
	GetBalance(ctx context.Context, accountID string) (*AccountBalance, error)

	// GetEntries returns one page of the account chain and the total entry count
	GetEntries(ctx context.Context, accountID string, page, perPage int) ([]*ledger.Entry, int64, error)

	VerifyChain(ctx context.Context, accountID string) (*components.ChainReport, error)
}

// KeyLookup peeks at idempotency records without claiming them
type KeyLookup interface {
	Lookup(ctx context.Context, key string) (*idempotency.Record, error)
}

// PaymentDescriber reads a payment back from its saga and ledger entries
type PaymentDescriber interface {
	Describe(ctx context.Context, paymentID uuid.UUID) (*components.PaymentView, error)
}

// LedgerReader is the read side of the ledger store
type LedgerReader interface {
	Head(ctx context.Context, accountID string) (*ledger.Entry, error)
	BalanceOf(ctx context.Context, accountID string) (int64, error)
	EntriesAfter(ctx context.Context, accountID string, afterSequence int64, limit int) ([]*ledger.Entry, error)
	Verify(ctx context.Context, accountID string) (*components.ChainReport, error)
}
