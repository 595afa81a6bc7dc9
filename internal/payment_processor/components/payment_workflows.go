package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/orchestrator"
)

const (
	ChargeSagaName   = "payment_charge"
	ReversalSagaName = "payment_reversal"
)

// PaymentWorkflows drives payments through their sagas and turns the result
// into an Outcome.
type PaymentWorkflows struct {
	orchestrator *orchestrator.Orchestrator
	machine      *PaymentStateMachine
	reader       *PaymentReader
	ledger       *LedgerStore
	processor    payment.Processor
	notifier     payment.Notifier
	sagas        saga.Repository
	logger       *slog.Logger
	now          func() time.Time

	charge   orchestrator.Definition
	reversal orchestrator.Definition
}

func NewPaymentWorkflows(
	orch *orchestrator.Orchestrator,
	machine *PaymentStateMachine,
	store *LedgerStore,
	processor payment.Processor,
	notifier payment.Notifier,
	sagas saga.Repository,
	logger *slog.Logger,
) *PaymentWorkflows {
	w := &PaymentWorkflows{
		orchestrator: orch,
		machine:      machine,
		reader:       NewPaymentReader(machine, sagas),
		ledger:       store,
		processor:    processor,
		notifier:     notifier,
		sagas:        sagas,
		logger:       logger,
		now:          time.Now,
	}
	w.charge = w.chargeDefinition()
	w.reversal = w.reversalDefinition()
	return w
}

func (w *PaymentWorkflows) chargeDefinition() orchestrator.Definition {
	return orchestrator.Definition{
		Name: ChargeSagaName,
		Steps: []orchestrator.Step{
			{Name: "reserve", Forward: w.transition(payment.EventReserveOK)},
			{
				Name:          "charge",
				Forward:       w.chargeProcessor,
				Reconcile:     w.reconcileCharge,
				Compensate:    w.refundCharge,
				SideEffecting: true,
			},
			{Name: "authorize", Forward: w.transition(payment.EventAuthorizeOK)},
			{Name: "capture", Forward: w.transition(payment.EventCaptureOK), Compensate: w.reverseCapture},
			{Name: "settle", Forward: w.transition(payment.EventSettleOK)},
			{Name: "notify", Forward: w.notify, BestEffort: true},
		},
		OnFailure: w.failPayment,
		Classify:  classify,
	}
}

func (w *PaymentWorkflows) reversalDefinition() orchestrator.Definition {
	// after the refund the saga can only move forward, so ledger failures
	// leave it for recovery instead of failing it
	forwardOnly := func(action orchestrator.Action) orchestrator.Action {
		return func(ctx context.Context, exec *saga.Execution) error {
			err := action(ctx, exec)
			if errors.Is(err, ledger.DurabilityError{}) {
				return fmt.Errorf("%w: %w", orchestrator.ErrIndeterminate, err)
			}
			return err
		}
	}

	return orchestrator.Definition{
		Name: ReversalSagaName,
		Steps: []orchestrator.Step{
			{Name: "refund", Forward: w.refundSettled, SideEffecting: true},
			{Name: "reverse_settlement", Forward: forwardOnly(w.reverseSettlement)},
			{Name: "record_reversal", Forward: forwardOnly(w.transition(payment.EventReverse))},
			{Name: "notify", Forward: w.notify, BestEffort: true},
		},
		Classify: classify,
	}
}

func classify(err error) string {
	var reason shared.FailureReason
	switch {
	case errors.Is(err, payment.DeclinedError{}):
		reason = shared.FailureReasonDeclined
	case errors.Is(err, orchestrator.ErrStepTimeout), errors.Is(err, payment.ErrProcessorTimeout):
		reason = shared.FailureReasonProcessorTimeout
	case errors.Is(err, ledger.DurabilityError{}):
		reason = shared.FailureReasonDurability
	case errors.Is(err, payment.InvalidTransitionError{}):
		reason = shared.FailureReasonInvalidTransition
	default:
		reason = shared.FailureReasonUnknownError
	}
	return string(reason)
}

// Charge runs the charge saga of req. The saga id is the payment id.
func (w *PaymentWorkflows) Charge(ctx context.Context, req *shared.PaymentRequest) (*payment.Outcome, error) {
	paymentID := req.PaymentID
	if paymentID == uuid.Nil {
		paymentID = shared.PaymentIDForKey(req.IdempotencyKey)
	}
	data := map[string]string{
		dataPaymentID:     paymentID.String(),
		dataOrderID:       req.OrderID,
		dataPayer:         req.PayerAccountID,
		dataPayee:         req.PayeeAccountID,
		dataAmount:        strconv.FormatInt(req.Amount, 10),
		dataCurrency:      req.Currency,
		dataCorrelationID: req.CorrelationID,
	}
	return w.run(ctx, w.charge, paymentID, req.IdempotencyKey, data)
}

// Reverse runs the reversal saga of a settled payment
func (w *PaymentWorkflows) Reverse(ctx context.Context, req *shared.PaymentRequest) (*payment.Outcome, error) {
	sagaID := shared.ReversalSagaIDForKey(req.IdempotencyKey)

	chargeExec, err := w.sagas.Get(ctx, req.PaymentID)
	if errors.Is(err, saga.ErrExecutionNotFound{}) {
		return &payment.Outcome{
			PaymentID:     req.PaymentID,
			SagaID:        sagaID,
			Status:        payment.OutcomeFailed,
			FailureReason: shared.FailureReasonPaymentNotFound,
			Message:       "no payment with this id",
			CompletedAt:   w.now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", req.PaymentID, err)
	}

	data := make(map[string]string, len(chargeExec.Data)+1)
	for k, v := range chargeExec.Data {
		data[k] = v
	}
	delete(data, orchestrator.DataFailureCode)
	data[dataPaymentID] = req.PaymentID.String()
	if req.CorrelationID != "" {
		data[dataCorrelationID] = req.CorrelationID
	}
	return w.run(ctx, w.reversal, sagaID, req.IdempotencyKey, data)
}

// Resume continues a stored saga, used by recovery
func (w *PaymentWorkflows) Resume(ctx context.Context, sagaID uuid.UUID) (*payment.Outcome, error) {
	exec, err := w.sagas.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	var def orchestrator.Definition
	switch exec.Definition {
	case ChargeSagaName:
		def = w.charge
	case ReversalSagaName:
		def = w.reversal
	default:
		return nil, fmt.Errorf("saga %s has unknown definition %q", sagaID, exec.Definition)
	}
	return w.run(ctx, def, sagaID, exec.IdempotencyKey, nil)
}

func (w *PaymentWorkflows) run(ctx context.Context, def orchestrator.Definition, sagaID uuid.UUID, key string, data map[string]string) (*payment.Outcome, error) {
	logger := w.logger.With("saga_id", sagaID, "definition", def.Name, "idempotency_key", key)

	exec, err := w.orchestrator.Run(ctx, def, sagaID, key, data)
	if exec == nil {
		return nil, err
	}
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrCancelled), errors.Is(err, orchestrator.ErrIndeterminate):
	case errors.Is(err, saga.CompensationExhaustedError{}):
		logger.Error("Saga compensation exhausted, operator alarm raised", "error", err)
	default:
		// progress is persisted, recovery resumes the saga
		logger.Warn("Saga interrupted", "status", exec.Status, "error", err)
	}

	// the outcome is built even when the caller gave up waiting
	agg, loadErr := w.load(context.WithoutCancel(ctx), exec)
	if loadErr != nil {
		return nil, loadErr
	}
	outcome := w.outcome(exec, agg)
	logger.Info("Saga finished", "status", exec.Status, "outcome", outcome.Status, "state", agg.State)
	return outcome, nil
}

func (w *PaymentWorkflows) outcome(exec *saga.Execution, agg *payment.Aggregate) *payment.Outcome {
	o := &payment.Outcome{
		PaymentID:          agg.PaymentID,
		SagaID:             exec.SagaID,
		OrderID:            agg.OrderID,
		State:              agg.State,
		Amount:             agg.Amount,
		Currency:           agg.Currency,
		DisplayAmount:      payment.DisplayAmount(agg.Amount, agg.Currency),
		ProcessorReference: exec.Data[dataReference],
		CompletedAt:        w.now().UTC(),
	}

	switch exec.Status {
	case saga.StatusCompleted:
		o.Status = payment.OutcomeFor(agg.State)
	case saga.StatusFailed, saga.StatusCompensationFailed:
		o.Status = payment.OutcomeFailed
		o.FailureReason = shared.FailureReason(exec.Data[orchestrator.DataFailureCode])
		if exec.Status == saga.StatusCompensationFailed {
			o.FailureReason = shared.FailureReasonCompensationExhausted
		}
		o.Message = exec.FailureReason
	default:
		o.Status = payment.OutcomeIndeterminate
		o.Message = "outcome not yet known, retry with the same idempotency key"
	}
	return o
}

func (w *PaymentWorkflows) load(ctx context.Context, exec *saga.Execution) (*payment.Aggregate, error) {
	return w.reader.Load(ctx, exec)
}

func (w *PaymentWorkflows) transition(event payment.Event) orchestrator.Action {
	return func(ctx context.Context, exec *saga.Execution) error {
		agg, err := w.load(ctx, exec)
		if err != nil {
			return err
		}
		_, err = w.machine.Apply(ctx, agg, event)
		return err
	}
}

func chargeKey(exec *saga.Execution) string {
	return orchestrator.StepKey(exec.SagaID, "charge")
}

func (w *PaymentWorkflows) chargeProcessor(ctx context.Context, exec *saga.Execution) error {
	agg, err := aggregateBase(exec)
	if err != nil {
		return err
	}

	res, err := w.processor.Charge(ctx, agg.Amount, agg.Currency, chargeKey(exec))
	if err != nil {
		// any transport failure leaves the charge in an unknown state
		return fmt.Errorf("%w: %w", orchestrator.ErrStepTimeout, err)
	}

	switch res.Status {
	case payment.ChargeApproved:
		exec.Data[dataReference] = res.Reference
		return nil
	case payment.ChargeDeclined:
		return payment.DeclinedError{Reason: res.Reason}
	}
	return fmt.Errorf("%w: processor answered %s", orchestrator.ErrStepTimeout, res.Status)
}

func (w *PaymentWorkflows) reconcileCharge(ctx context.Context, exec *saga.Execution) (orchestrator.Reconciliation, error) {
	res, err := w.processor.Status(ctx, chargeKey(exec))
	if err != nil {
		return orchestrator.ReconcileUnknown, err
	}

	switch res.Status {
	case payment.ChargeApproved:
		exec.Data[dataReference] = res.Reference
		return orchestrator.ReconcileCommitted, nil
	case payment.ChargeDeclined:
		return orchestrator.ReconcileNotApplied, payment.DeclinedError{Reason: res.Reason}
	case payment.ChargeNotFound:
		return orchestrator.ReconcileNotApplied, nil
	}
	return orchestrator.ReconcileUnknown, nil
}

func (w *PaymentWorkflows) refundCharge(ctx context.Context, exec *saga.Execution) error {
	agg, err := aggregateBase(exec)
	if err != nil {
		return err
	}
	ref := exec.Data[dataReference]
	if ref == "" {
		return fmt.Errorf("saga %s: charge committed without a processor reference", exec.SagaID)
	}
	return w.processor.Refund(ctx, ref, agg.Amount, agg.Currency, orchestrator.StepKey(exec.SagaID, "charge:refund"))
}

func (w *PaymentWorkflows) reverseCapture(ctx context.Context, exec *saga.Execution) error {
	agg, err := w.load(ctx, exec)
	if err != nil {
		return err
	}
	if agg.CaptureEntryID == nil {
		return nil
	}
	_, err = w.ledger.Reverse(ctx, *agg.CaptureEntryID, exec.SagaID.String(), orchestrator.StepKey(exec.SagaID, "capture:compensate"))
	return err
}

func (w *PaymentWorkflows) failPayment(ctx context.Context, exec *saga.Execution, cause error) error {
	agg, err := w.load(ctx, exec)
	if err != nil {
		return err
	}
	if agg.State.IsTerminal() {
		return nil
	}

	event, _ := payment.FailureEvent(agg.State)
	if _, err := w.machine.Apply(ctx, agg, event); err != nil {
		return err
	}
	if err := w.send(ctx, exec, agg, event); err != nil {
		w.logger.Warn("Failure notification not delivered", "payment_id", agg.PaymentID, "error", err)
	}
	return nil
}

func (w *PaymentWorkflows) refundSettled(ctx context.Context, exec *saga.Execution) error {
	agg, err := w.load(ctx, exec)
	if err != nil {
		return err
	}
	if agg.State != payment.StateSettled {
		return payment.InvalidTransitionError{From: agg.State, Event: payment.EventReverse}
	}

	chargeExec, err := w.sagas.Get(ctx, agg.PaymentID)
	if err != nil {
		return err
	}
	ref := chargeExec.Data[dataReference]
	exec.Data[dataReference] = ref

	err = w.processor.Refund(ctx, ref, agg.Amount, agg.Currency, orchestrator.StepKey(exec.SagaID, "refund"))
	if errors.Is(err, payment.ErrProcessorTimeout) {
		// refunds are idempotent on their key, the retry settles it
		return fmt.Errorf("%w: %w", orchestrator.ErrIndeterminate, err)
	}
	return err
}

func (w *PaymentWorkflows) reverseSettlement(ctx context.Context, exec *saga.Execution) error {
	agg, err := w.load(ctx, exec)
	if err != nil {
		return err
	}
	if agg.SettlementEntryID == nil {
		return fmt.Errorf("payment %s has no settlement entry", agg.PaymentID)
	}
	_, err = w.ledger.Reverse(ctx, *agg.SettlementEntryID, exec.SagaID.String(), orchestrator.StepKey(exec.SagaID, "reverse_settlement"))
	return err
}

func (w *PaymentWorkflows) notify(ctx context.Context, exec *saga.Execution) error {
	agg, err := w.load(ctx, exec)
	if err != nil {
		return err
	}
	event := payment.EventSettleOK
	if agg.State == payment.StateReversed {
		event = payment.EventReverse
	}
	return w.send(ctx, exec, agg, event)
}

func (w *PaymentWorkflows) send(ctx context.Context, exec *saga.Execution, agg *payment.Aggregate, event payment.Event) error {
	return w.notifier.Send(ctx, payment.Notification{
		PaymentID:     agg.PaymentID.String(),
		OrderID:       agg.OrderID,
		Event:         string(event),
		State:         agg.State,
		Amount:        agg.Amount,
		Currency:      agg.Currency,
		DisplayAmount: payment.DisplayAmount(agg.Amount, agg.Currency),
		CorrelationID: exec.Data[dataCorrelationID],
	})
}
