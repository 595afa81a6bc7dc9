package handler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/api_gateway/middleware"
	"github.com/innoscripta-payment-ledger/internal/api_gateway/service"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
)

// PaymentHandler handles HTTP requests for payments and reversals
type PaymentHandler struct {
	paymentService service.PaymentService
	logger         *slog.Logger
}

func NewPaymentHandler(logger *slog.Logger, paymentService service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         logger,
	}
}

// Create submits a charge keyed by the Idempotency-Key header
func (h *PaymentHandler) Create(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	h.submit(c, &shared.PaymentRequest{
		Operation:      shared.OperationCharge,
		OrderID:        req.OrderID,
		PayerAccountID: req.PayerAccountID,
		PayeeAccountID: req.PayeeAccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: middleware.GetIdempotencyKey(c),
		CorrelationID:  middleware.GetCorrelationID(c),
	})
}

// Reverse submits a reversal of a settled payment
func (h *PaymentHandler) Reverse(c *gin.Context) {
	idParam := c.Param("id")
	paymentID, err := uuid.Parse(idParam)
	if err != nil {
		h.logger.Error("Invalid payment ID", "id", idParam, "error", err)
		RespondBadRequest(c, "Invalid payment ID")
		return
	}

	h.submit(c, &shared.PaymentRequest{
		Operation:      shared.OperationReverse,
		PaymentID:      paymentID,
		IdempotencyKey: middleware.GetIdempotencyKey(c),
		CorrelationID:  middleware.GetCorrelationID(c),
	})
}

func (h *PaymentHandler) submit(c *gin.Context, request *shared.PaymentRequest) {
	submission, err := h.paymentService.SubmitPayment(c.Request.Context(), request)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrInvalidRequest),
			errors.Is(err, shared.ErrInvalidOperation),
			errors.Is(err, shared.ErrInvalidCurrency):
			RespondBadRequest(c, err.Error())
		case errors.Is(err, idempotency.ConflictError{}):
			RespondConflict(c, "Idempotency-Key was already used for a different request")
		case errors.Is(err, service.ErrPaymentNotFound):
			RespondNotFound(c, "Payment not found")
		case errors.Is(err, service.ErrPublishFailed):
			h.logger.Warn("Payment request not queued", "idempotency_key", request.IdempotencyKey, "error", err)
			RespondServiceUnavailable(c, "Payment request could not be queued, retry with the same Idempotency-Key")
		default:
			h.logger.Error("Failed to submit payment request", "idempotency_key", request.IdempotencyKey, "error", err)
			RespondInternalError(c)
		}
		return
	}

	if submission.Outcome != nil {
		RespondReplayed(c, mapOutcomeToResponse(submission.Outcome))
		return
	}

	RespondAccepted(c, AcceptedResponse{
		PaymentID: submission.PaymentID.String(),
		Status:    string(submission.Status),
	})
}

// GetByID returns the payment and its saga progress, 404 if unknown
func (h *PaymentHandler) GetByID(c *gin.Context) {
	idParam := c.Param("id")
	paymentID, err := uuid.Parse(idParam)
	if err != nil {
		h.logger.Error("Invalid payment ID", "id", idParam, "error", err)
		RespondBadRequest(c, "Invalid payment ID")
		return
	}

	view, err := h.paymentService.GetPayment(c.Request.Context(), paymentID)
	if errors.Is(err, service.ErrPaymentNotFound) {
		RespondNotFound(c, "Payment not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get payment", "id", idParam, "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapPaymentViewToResponse(view))
}

func mapOutcomeToResponse(o *payment.Outcome) OutcomeResponse {
	return OutcomeResponse{
		PaymentID:          o.PaymentID.String(),
		SagaID:             o.SagaID.String(),
		OrderID:            o.OrderID,
		Status:             string(o.Status),
		State:              string(o.State),
		Amount:             o.Amount,
		Currency:           o.Currency,
		DisplayAmount:      o.DisplayAmount,
		ProcessorReference: o.ProcessorReference,
		FailureReason:      string(o.FailureReason),
		Message:            o.Message,
		CompletedAt:        o.CompletedAt.Format(time.RFC3339),
	}
}

func mapPaymentViewToResponse(view *components.PaymentView) PaymentResponse {
	p := view.Payment
	response := PaymentResponse{
		PaymentID:      p.PaymentID.String(),
		OrderID:        p.OrderID,
		PayerAccountID: p.PayerAccountID,
		PayeeAccountID: p.PayeeAccountID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		DisplayAmount:  payment.DisplayAmount(p.Amount, p.Currency),
		State:          string(p.State),
		AttemptCount:   p.AttemptCount,
	}
	if !p.LastTransitionAt.IsZero() {
		response.LastTransitionAt = p.LastTransitionAt.Format(time.RFC3339)
	}
	if view.Saga != nil {
		response.Saga = mapSagaToResponse(view.Saga)
	}
	return response
}

func mapSagaToResponse(exec *saga.Execution) SagaResponse {
	response := SagaResponse{
		SagaID:        exec.SagaID.String(),
		Definition:    exec.Definition,
		Status:        string(exec.Status),
		FailureReason: exec.FailureReason,
		Steps:         make([]StepResponse, 0, len(exec.Steps)),
	}
	for _, step := range exec.Steps {
		response.Steps = append(response.Steps, StepResponse{
			Name:     step.Name,
			Status:   string(step.Status),
			Attempts: step.Attempts,
			Error:    step.Error,
		})
	}
	return response
}
