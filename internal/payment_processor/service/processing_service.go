package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
)

type ProcessingServiceImpl struct {
	registry  Registry
	workflows Workflows
	policy    payment.Policy
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessingService(
	registry Registry,
	workflows Workflows,
	policy payment.Policy,
	logger *slog.Logger,
) ProcessingService {
	return &ProcessingServiceImpl{
		registry:  registry,
		workflows: workflows,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessPayment runs a request at most once per idempotency key. Duplicates
// get the stored outcome; a duplicate of a request still running gets an
// indeterminate outcome and should retry later.
func (s *ProcessingServiceImpl) ProcessPayment(ctx context.Context, request *shared.PaymentRequest) (*payment.Outcome, error) {
	logger := s.logger
	if request.CorrelationID != "" {
		logger = s.logger.With("correlation_id", request.CorrelationID)
	}

	// 1. Normalize and validate against the policy
	req := s.policy.Normalize(*request)
	if err := s.policy.Validate(req); err != nil {
		logger.Warn("Payment request rejected", "idempotency_key", req.IdempotencyKey, "error", err)
		return nil, err
	}
	if req.Operation == shared.OperationCharge && req.PaymentID == uuid.Nil {
		req.PaymentID = shared.PaymentIDForKey(req.IdempotencyKey)
	}
	logger = logger.With("idempotency_key", req.IdempotencyKey, "operation", req.Operation, "payment_id", req.PaymentID)

	// 2. Gate on the idempotency key
	fingerprint, err := idempotency.Fingerprint(payment.FingerprintBody(req))
	if err != nil {
		return nil, err
	}
	claim, err := s.registry.BeginOrReplay(ctx, req.IdempotencyKey, fingerprint)
	if errors.Is(err, idempotency.ErrInFlight) {
		logger.Info("Payment request already in progress")
		return s.pending(&req), nil
	}
	if err != nil {
		return nil, err
	}

	if claim.Outcome == idempotency.ClaimReplayed {
		var outcome payment.Outcome
		if err := claim.Record.DecodeResult(&outcome); err != nil {
			return nil, fmt.Errorf("failed to decode stored outcome of key %s: %w", req.IdempotencyKey, err)
		}
		logger.Info("Replaying stored payment outcome", "status", outcome.Status)
		return &outcome, nil
	}
	if claim.Outcome == idempotency.ClaimRecovered {
		logger.Warn("Resuming payment request after an interrupted attempt", "attempts", claim.Record.Attempts)
	}

	// 3. Run the saga. Its id derives from the key, so a recovered claim resumes it.
	var outcome *payment.Outcome
	switch req.Operation {
	case shared.OperationCharge:
		outcome, err = s.workflows.Charge(ctx, &req)
	case shared.OperationReverse:
		outcome, err = s.workflows.Reverse(ctx, &req)
	}
	if err != nil {
		logger.Error("Payment saga failed to run, key left in flight", "error", err)
		return nil, err
	}

	// 4. Store the outcome against the key
	s.resolve(context.WithoutCancel(ctx), logger, req.IdempotencyKey, outcome)
	logger.Info("Payment request processed", "status", outcome.Status, "state", outcome.State)
	return outcome, nil
}

// ResumeSaga continues exec and stores its outcome against the request key
func (s *ProcessingServiceImpl) ResumeSaga(ctx context.Context, exec *saga.Execution) (*payment.Outcome, error) {
	logger := s.logger.With("saga_id", exec.SagaID, "idempotency_key", exec.IdempotencyKey)

	outcome, err := s.workflows.Resume(ctx, exec.SagaID)
	if err != nil {
		return nil, err
	}
	s.resolve(context.WithoutCancel(ctx), logger, exec.IdempotencyKey, outcome)
	return outcome, nil
}

// resolve stores a final outcome. An indeterminate one leaves the key in
// flight so the next attempt resumes the saga.
func (s *ProcessingServiceImpl) resolve(ctx context.Context, logger *slog.Logger, key string, outcome *payment.Outcome) {
	if !outcome.IsFinal() {
		return
	}

	var err error
	if outcome.Status == payment.OutcomeFailed {
		err = s.registry.Fail(ctx, key, outcome)
	} else {
		err = s.registry.Complete(ctx, key, outcome)
	}
	switch {
	case errors.Is(err, idempotency.ErrNotInFlight):
		logger.Debug("Idempotency key already resolved")
	case err != nil:
		// the saga is terminal, a retry replays it without side effects
		logger.Error("Failed to store payment outcome", "error", err)
	}
}

func (s *ProcessingServiceImpl) pending(req *shared.PaymentRequest) *payment.Outcome {
	return &payment.Outcome{
		PaymentID:   req.PaymentID,
		OrderID:     req.OrderID,
		Status:      payment.OutcomeIndeterminate,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Message:     "request with this idempotency key is still in progress",
		CompletedAt: s.now().UTC(),
	}
}
