package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
	"github.com/innoscripta-payment-ledger/internal/platform/messaging/producers"
)

// PaymentServiceImpl implements the PaymentService interface
type PaymentServiceImpl struct {
	keys      KeyLookup
	payments  PaymentDescriber
	producer  producers.MessagePublisher
	policy    payment.Policy
	leaseTime time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewPaymentService(
	logger *slog.Logger,
	keys KeyLookup,
	payments PaymentDescriber,
	producer producers.MessagePublisher,
	policy payment.Policy,
	idemCfg config.IdempotencyConfig,
) PaymentService {
	return &PaymentServiceImpl{
		keys:      keys,
		payments:  payments,
		producer:  producer,
		policy:    policy,
		leaseTime: idemCfg.InFlightTimeout,
		logger:    logger,
		now:       time.Now,
	}
}

// SubmitPayment publishes new requests and replays finished ones. A request
// still in flight is republished only once its claim has gone stale.
func (s *PaymentServiceImpl) SubmitPayment(ctx context.Context, request *shared.PaymentRequest) (*Submission, error) {
	req := s.policy.Normalize(*request)
	if req.Operation == shared.OperationCharge && req.PaymentID == uuid.Nil {
		req.PaymentID = shared.PaymentIDForKey(req.IdempotencyKey)
	}
	if err := s.policy.Validate(req); err != nil {
		return nil, err
	}

	logger := s.logger.With("idempotency_key", req.IdempotencyKey, "payment_id", req.PaymentID.String())
	if req.CorrelationID != "" {
		logger = logger.With("correlation_id", req.CorrelationID)
	}

	fingerprint, err := idempotency.Fingerprint(payment.FingerprintBody(req))
	if err != nil {
		return nil, err
	}

	rec, err := s.keys.Lookup(ctx, req.IdempotencyKey)
	switch {
	case errors.Is(err, idempotency.ErrRecordNotFound):
	case err != nil:
		logger.Error("Failed to look up idempotency key", "error", err)
		return nil, err
	case rec.Fingerprint != fingerprint:
		logger.Warn("Idempotency key reused for a different request")
		return nil, idempotency.ConflictError{Key: req.IdempotencyKey}
	case rec.IsTerminal():
		var outcome payment.Outcome
		if err := rec.DecodeResult(&outcome); err != nil {
			return nil, fmt.Errorf("failed to decode stored outcome of key %s: %w", req.IdempotencyKey, err)
		}
		logger.Info("Replaying stored outcome", "status", outcome.Status)
		return &Submission{PaymentID: outcome.PaymentID, Status: SubmissionFinished, Outcome: &outcome}, nil
	case !rec.IsStale(s.now(), s.leaseTime):
		logger.Info("Request already in flight")
		return &Submission{PaymentID: req.PaymentID, Status: SubmissionPending}, nil
	default:
		logger.Warn("Republishing request with a stale claim", "claimed_at", rec.ClaimedAt)
	}

	if req.Operation == shared.OperationReverse {
		if _, err := s.GetPayment(ctx, req.PaymentID); err != nil {
			return nil, err
		}
	}

	req.Timestamp = s.now().UTC()
	if err := s.producer.Publish(ctx, req.IdempotencyKey, &req); err != nil {
		logger.Error("Failed to publish payment request", "operation", req.Operation, "amount", req.Amount, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	logger.Info("Payment request published", "operation", req.Operation, "amount", req.Amount, "currency", req.Currency)
	return &Submission{PaymentID: req.PaymentID, Status: SubmissionPending}, nil
}

func (s *PaymentServiceImpl) GetPayment(ctx context.Context, paymentID uuid.UUID) (*components.PaymentView, error) {
	view, err := s.payments.Describe(ctx, paymentID)
	if errors.Is(err, saga.ErrExecutionNotFound{}) {
		s.logger.Info("Payment not found", "payment_id", paymentID.String())
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		s.logger.Error("Failed to describe payment", "payment_id", paymentID.String(), "error", err)
		return nil, err
	}
	return view, nil
}
