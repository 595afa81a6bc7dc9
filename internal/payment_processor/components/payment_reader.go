package components

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

// keys of saga execution data
const (
	dataPaymentID     = "payment_id"
	dataOrderID       = "order_id"
	dataPayer         = "payer_account_id"
	dataPayee         = "payee_account_id"
	dataAmount        = "amount"
	dataCurrency      = "currency"
	dataCorrelationID = "correlation_id"
	dataReference     = "processor_reference"
)

// PaymentView is the read model of one payment
type PaymentView struct {
	Payment *payment.Aggregate `json:"payment"`
	Saga    *saga.Execution    `json:"saga"`
}

// PaymentReader rehydrates payments from the ledger. The charge saga of a
// payment carries its static fields and shares its id.
type PaymentReader struct {
	machine *PaymentStateMachine
	sagas   saga.Repository
}

func NewPaymentReader(machine *PaymentStateMachine, sagas saga.Repository) *PaymentReader {
	return &PaymentReader{machine: machine, sagas: sagas}
}

// Describe returns the payment with its charge saga
func (r *PaymentReader) Describe(ctx context.Context, paymentID uuid.UUID) (*PaymentView, error) {
	exec, err := r.sagas.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	agg, err := r.Load(ctx, exec)
	if err != nil {
		return nil, err
	}
	return &PaymentView{Payment: agg, Saga: exec}, nil
}

// Load rehydrates the payment a saga execution works on
func (r *PaymentReader) Load(ctx context.Context, exec *saga.Execution) (*payment.Aggregate, error) {
	base, err := aggregateBase(exec)
	if err != nil {
		return nil, err
	}
	return r.machine.Load(ctx, base)
}

// aggregateBase builds the static part of the aggregate from saga data
func aggregateBase(exec *saga.Execution) (*payment.Aggregate, error) {
	paymentID, err := uuid.Parse(exec.Data[dataPaymentID])
	if err != nil {
		return nil, fmt.Errorf("saga %s carries no valid payment id: %w", exec.SagaID, err)
	}
	amount, err := strconv.ParseInt(exec.Data[dataAmount], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("saga %s carries no valid amount: %w", exec.SagaID, err)
	}
	agg := payment.New(paymentID, exec.Data[dataOrderID], exec.Data[dataPayer], exec.Data[dataPayee], amount, exec.Data[dataCurrency])
	agg.AttemptCount = exec.Runs
	return agg, nil
}
