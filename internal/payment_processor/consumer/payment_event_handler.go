package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/service"
	"github.com/innoscripta-payment-ledger/internal/platform/messaging/producers"
)

// PaymentEventHandler handles payment request messages from Kafka
type PaymentEventHandler struct {
	processingService service.ProcessingService
	producer          producers.DeadLetterPublisher
	logger            *slog.Logger
}

func NewPaymentEventHandler(
	logger *slog.Logger,
	processingService service.ProcessingService,
	producer producers.DeadLetterPublisher,
) *PaymentEventHandler {
	return &PaymentEventHandler{
		processingService: processingService,
		producer:          producer,
		logger:            logger,
	}
}

// HandleMessage processes one Kafka message. A nil return commits the offset;
// requests that can never succeed are dead lettered instead of retried.
func (h *PaymentEventHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var request shared.PaymentRequest
	if err := json.Unmarshal(value, &request); err != nil {
		h.logger.Error("Failed to unmarshal payment request from Kafka message", "error", err, "message_key", string(key))
		return h.deadLetter(ctx, key, value, "unmarshal payment request", fmt.Errorf("failed to unmarshal message value: %w", err))
	}

	logger := h.logger
	if request.CorrelationID != "" {
		logger = h.logger.With("correlation_id", request.CorrelationID)
	}
	logger = logger.With("idempotency_key", request.IdempotencyKey, "operation", request.Operation)

	logger.Info("Received payment request for processing",
		"payment_id", request.PaymentID.String(),
		"amount", request.Amount,
		"currency", request.Currency,
	)

	outcome, err := h.processingService.ProcessPayment(ctx, &request)
	if err != nil {
		if isPermanent(err) {
			logger.Warn("Payment request rejected", "error", err)
			return h.deadLetter(ctx, key, value, "rejected payment request", err)
		}
		logger.Error("Failed to process payment", "error", err)
		return fmt.Errorf("processing payment request %s failed: %w", request.IdempotencyKey, err)
	}

	logger.Info("Payment request processed",
		"payment_id", outcome.PaymentID.String(),
		"status", outcome.Status,
		"state", outcome.State,
	)
	return nil
}

// isPermanent reports errors a redelivery cannot fix
func isPermanent(err error) bool {
	return errors.Is(err, shared.ErrInvalidRequest) ||
		errors.Is(err, shared.ErrInvalidOperation) ||
		errors.Is(err, shared.ErrInvalidCurrency) ||
		errors.Is(err, idempotency.ErrEmptyKey) ||
		errors.Is(err, idempotency.ConflictError{})
}

func (h *PaymentEventHandler) deadLetter(ctx context.Context, key, value []byte, what string, cause error) error {
	if h.producer == nil {
		return cause
	}

	reason := fmt.Sprintf("%s: %s", what, cause.Error())
	if err := h.producer.PublishToDLQ(ctx, string(key), value, reason); err != nil {
		h.logger.Error("Failed to publish message to DLQ",
			"dlq_error", err,
			"original_error", cause,
			"message_key", string(key),
		)
		return cause
	}

	h.logger.Info("Published unprocessable message to DLQ", "message_key", string(key), "reason", reason)
	return nil
}
