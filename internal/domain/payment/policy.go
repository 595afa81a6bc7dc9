package payment

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
)

// Policy holds the business limits applied to incoming requests. It is passed
// by value to every validation call; nothing reads it from package state.
type Policy struct {
	MinAmount           int64
	MaxAmount           int64
	AllowedCurrencies   []string
	SettlementAccountID string
}

// Normalize returns a canonical copy of req, filling the payee from the policy
// when the request leaves it out.
func (p Policy) Normalize(req shared.PaymentRequest) shared.PaymentRequest {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.PayerAccountID = strings.TrimSpace(req.PayerAccountID)
	req.PayeeAccountID = strings.TrimSpace(req.PayeeAccountID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.Operation == shared.OperationCharge && req.PayeeAccountID == "" {
		req.PayeeAccountID = p.SettlementAccountID
	}
	return req
}

// Validate checks a normalized request against the policy
func (p Policy) Validate(req shared.PaymentRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", shared.ErrInvalidRequest)
	}
	if idempotency.IsReserved(req.IdempotencyKey) {
		return fmt.Errorf("%w: idempotency key uses the reserved prefix %q", shared.ErrInvalidRequest, idempotency.ReservedKeyPrefix)
	}

	switch req.Operation {
	case shared.OperationCharge:
		if req.PayerAccountID == "" || req.PayeeAccountID == "" {
			return fmt.Errorf("%w: payer and payee accounts are required", shared.ErrInvalidRequest)
		}
		if req.PayerAccountID == req.PayeeAccountID {
			return fmt.Errorf("%w: payer and payee must differ", shared.ErrInvalidRequest)
		}
		if req.Amount < p.MinAmount {
			return fmt.Errorf("%w: amount %d below minimum %d", shared.ErrInvalidRequest, req.Amount, p.MinAmount)
		}
		if p.MaxAmount > 0 && req.Amount > p.MaxAmount {
			return fmt.Errorf("%w: amount %d above maximum %d", shared.ErrInvalidRequest, req.Amount, p.MaxAmount)
		}
		if len(req.Currency) != 3 {
			return fmt.Errorf("%w: %q", shared.ErrInvalidCurrency, req.Currency)
		}
		if len(p.AllowedCurrencies) > 0 && !slices.Contains(p.AllowedCurrencies, req.Currency) {
			return fmt.Errorf("%w: %s not accepted", shared.ErrInvalidCurrency, req.Currency)
		}
	case shared.OperationReverse:
		if req.PaymentID == uuid.Nil {
			return fmt.Errorf("%w: payment id is required for a reversal", shared.ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %q", shared.ErrInvalidOperation, req.Operation)
	}
	return nil
}

// ChargeFingerprint is the normalized body of a charge used for idempotency
type ChargeFingerprint struct {
	Operation shared.Operation `json:"operation"`
	OrderID   string           `json:"order_id"`
	Payer     string           `json:"payer"`
	Payee     string           `json:"payee"`
	Amount    int64            `json:"amount"`
	Currency  string           `json:"currency"`
}

// ReversalFingerprint is the normalized body of a reversal
type ReversalFingerprint struct {
	Operation shared.Operation `json:"operation"`
	PaymentID uuid.UUID        `json:"payment_id"`
}

// FingerprintBody selects the fields of req that define its identity
func FingerprintBody(req shared.PaymentRequest) any {
	if req.Operation == shared.OperationReverse {
		return ReversalFingerprint{Operation: req.Operation, PaymentID: req.PaymentID}
	}
	return ChargeFingerprint{
		Operation: req.Operation,
		OrderID:   req.OrderID,
		Payer:     req.PayerAccountID,
		Payee:     req.PayeeAccountID,
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
}
