package components

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/orchestrator"
)

func charge(key string, amount int64) *shared.PaymentRequest {
	return &shared.PaymentRequest{
		Operation:      shared.OperationCharge,
		OrderID:        "order-" + key,
		PayerAccountID: "alice",
		Amount:         amount,
		Currency:       "EUR",
		IdempotencyKey: key,
		CorrelationID:  "corr-" + key,
	}
}

func reversal(key string, paymentID uuid.UUID) *shared.PaymentRequest {
	return &shared.PaymentRequest{Operation: shared.OperationReverse, PaymentID: paymentID, IdempotencyKey: key}
}

func TestPaymentWorkflows_ChargeSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeSettled, outcome.Status)
	assert.Equal(t, payment.StateSettled, outcome.State)
	assert.Equal(t, shared.PaymentIDForKey("k1"), outcome.PaymentID)
	assert.Equal(t, outcome.PaymentID, outcome.SagaID)
	assert.Equal(t, "50.00", outcome.DisplayAmount)
	assert.NotEmpty(t, outcome.ProcessorReference)

	assert.Equal(t, int64(-5000), f.balance(t, "alice"))
	assert.Equal(t, int64(5000), f.balance(t, "merchant"))
	assert.Equal(t, []string{string(payment.EventSettleOK)}, f.notifier.events())

	exec, err := f.sagas.Get(ctx, outcome.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, exec.Status)
	assert.Equal(t, []string{"reserve", "charge", "authorize", "capture", "settle", "notify"}, exec.Committed())

	rec, err := f.registry.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)
}

func TestPaymentWorkflows_DuplicateChargeIsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)
	appends := f.log.appends.Load()

	second, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.ProcessorReference, second.ProcessorReference)
	assert.True(t, first.CompletedAt.Equal(second.CompletedAt), "the stored outcome is returned")
	assert.Equal(t, appends, f.log.appends.Load(), "replay writes nothing")
	assert.Equal(t, int64(-5000), f.balance(t, "alice"))
	assert.Len(t, f.notifier.events(), 1)
}

func TestPaymentWorkflows_ConcurrentDuplicatesChargeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 10
	outcomes := make([]*payment.Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.Contains(t, []payment.OutcomeStatus{payment.OutcomeSettled, payment.OutcomeIndeterminate}, out.Status)
		if out.Status == payment.OutcomeSettled {
			settled++
		}
	}
	assert.Positive(t, settled)
	assert.Equal(t, int64(-5000), f.balance(t, "alice"))

	entries, err := f.store.EntriesForPayment(ctx, shared.PaymentIDForKey("k1"))
	require.NoError(t, err)
	assert.Len(t, entries, 4, "one entry per transition")
}

func TestPaymentWorkflows_KeyReuseConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	_, err = f.service.ProcessPayment(ctx, charge("k1", 7000))
	assert.ErrorIs(t, err, idempotency.ConflictError{Key: "k1"})
	assert.Equal(t, int64(-5000), f.balance(t, "alice"))
}

func TestPaymentWorkflows_DeclinedCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 200_000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeFailed, outcome.Status)
	assert.Equal(t, payment.StateFailed, outcome.State)
	assert.Equal(t, shared.FailureReasonDeclined, outcome.FailureReason)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Equal(t, []string{string(payment.EventAuthorizeFail)}, f.notifier.events())

	rec, err := f.registry.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)

	again, err := f.service.ProcessPayment(ctx, charge("k1", 200_000))
	require.NoError(t, err)
	assert.Equal(t, shared.FailureReasonDeclined, again.FailureReason, "failures are replayed too")
}

func TestPaymentWorkflows_ProcessorTimeoutIsReconciled(t *testing.T) {
	f := newFixture(t, withProcessorLatency(50*time.Millisecond), withStepTimeout(10*time.Millisecond))
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeSettled, outcome.Status, "the timed out charge was found approved")
	assert.NotEmpty(t, outcome.ProcessorReference)
	assert.Equal(t, int64(-5000), f.balance(t, "alice"))

	status, err := f.sandbox.Status(ctx, orchestrator.StepKey(outcome.SagaID, "charge"))
	require.NoError(t, err)
	assert.Equal(t, outcome.ProcessorReference, status.Reference, "charged exactly once under the step key")
}

func TestPaymentWorkflows_TimedOutDeclineKeepsDeclineReason(t *testing.T) {
	f := newFixture(t, withProcessorLatency(50*time.Millisecond), withStepTimeout(10*time.Millisecond))

	outcome, err := f.service.ProcessPayment(context.Background(), charge("k1", 200_000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeFailed, outcome.Status)
	assert.Equal(t, payment.StateFailed, outcome.State)
	assert.Equal(t, shared.FailureReasonDeclined, outcome.FailureReason, "reconciliation found the decline")
	assert.Contains(t, outcome.Message, "amount above sandbox limit")
}

func TestPaymentWorkflows_HungStatusQueryIsBounded(t *testing.T) {
	f := newFixture(t, withHungStatus(), withProcessorLatency(50*time.Millisecond), withStepTimeout(10*time.Millisecond))
	ctx := context.Background()

	done := make(chan *payment.Outcome, 1)
	go func() {
		outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
		assert.NoError(t, err)
		done <- outcome
	}()

	var outcome *payment.Outcome
	select {
	case outcome = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("charge reconciliation never returned")
	}
	require.NotNil(t, outcome)
	assert.Equal(t, payment.OutcomeIndeterminate, outcome.Status)
	assert.Equal(t, int32(1), f.hung.statusCalls.Load())

	rec, err := f.registry.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusInFlight, rec.Status)
}

func TestPaymentWorkflows_CancelledBeforeChargeIsResumable(t *testing.T) {
	tests := []struct {
		name     string
		hook     func(f *fixture, cancel context.CancelFunc)
		wantStep saga.StepStatus
	}{
		{
			name: "after the reserve entry committed",
			hook: func(f *fixture, cancel context.CancelFunc) {
				f.log.afterAppend = func(e *ledger.Entry) {
					if e.Event == string(payment.EventReserveOK) {
						cancel()
					}
				}
			},
			wantStep: saga.StepCommitted,
		},
		{
			name: "while the reserve entry was written",
			hook: func(f *fixture, cancel context.CancelFunc) {
				f.log.beforeAppend = func(e *ledger.Entry) {
					if e.Event == string(payment.EventReserveOK) {
						cancel()
					}
				}
			},
			wantStep: saga.StepInFlight,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withWaitTimeout(20*time.Millisecond))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.hook(f, cancel)
			paymentID := shared.PaymentIDForKey("k1")

			first, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
			require.NoError(t, err)
			assert.Equal(t, payment.OutcomeIndeterminate, first.Status)
			assert.Empty(t, first.FailureReason)

			exec, err := f.sagas.Get(context.Background(), paymentID)
			require.NoError(t, err)
			assert.Equal(t, saga.StatusRunning, exec.Status, "a cancelled saga is not compensated")
			assert.Equal(t, tt.wantStep, exec.Step("reserve").Status)

			rec, err := f.registry.Lookup(context.Background(), "k1")
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusInFlight, rec.Status, "nothing is stored against the key")

			status, err := f.sandbox.Status(context.Background(), orchestrator.StepKey(paymentID, "charge"))
			require.NoError(t, err)
			assert.Equal(t, payment.ChargeNotFound, status.Status, "the processor was never called")

			pending, err := f.service.ProcessPayment(context.Background(), charge("k1", 5000))
			require.NoError(t, err)
			assert.Equal(t, payment.OutcomeIndeterminate, pending.Status, "the first claim still holds its lease")

			f.registry.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

			retried, err := f.service.ProcessPayment(context.Background(), charge("k1", 5000))
			require.NoError(t, err)
			assert.Equal(t, payment.OutcomeSettled, retried.Status)
			assert.Equal(t, paymentID, retried.PaymentID)
			assert.Equal(t, int64(-5000), f.balance(t, "alice"))
			assert.Equal(t, []string{string(payment.EventSettleOK)}, f.notifier.events())

			rec, err = f.registry.Lookup(context.Background(), "k1")
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusCompleted, rec.Status)
		})
	}
}

func TestPaymentWorkflows_CaptureDurabilityFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.log.failAppend = failEvent(payment.EventCaptureOK)
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeFailed, outcome.Status)
	assert.Equal(t, payment.StateFailed, outcome.State)
	assert.Equal(t, shared.FailureReasonDurability, outcome.FailureReason)
	assert.True(t, f.sandbox.Refunded(outcome.ProcessorReference), "the processor charge is compensated")
	assert.Zero(t, f.balance(t, "alice"))
	assert.Zero(t, f.balance(t, "merchant"))

	exec, err := f.sagas.Get(ctx, outcome.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, exec.Status)
	assert.Equal(t, saga.StepCompensated, exec.Step("charge").Status)
	assert.Equal(t, saga.StepFailed, exec.Step("capture").Status)
	assert.Equal(t, saga.StepPending, exec.Step("settle").Status)
}

func TestPaymentWorkflows_SettleFailureReversesCapture(t *testing.T) {
	f := newFixture(t)
	f.log.failAppend = failEvent(payment.EventSettleOK)
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeFailed, outcome.Status)
	assert.Equal(t, payment.StateFailed, outcome.State)
	assert.True(t, f.sandbox.Refunded(outcome.ProcessorReference))
	assert.Zero(t, f.balance(t, "alice"), "capture debit reversed")
	assert.Zero(t, f.balance(t, "merchant"))

	exec, err := f.sagas.Get(ctx, outcome.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StepCompensated, exec.Step("capture").Status)
	assert.Equal(t, saga.StepCompensated, exec.Step("charge").Status)
}

func TestPaymentWorkflows_CompensationExhaustedRaisesAlarm(t *testing.T) {
	f := newFixture(t, withRefundOutage())
	f.log.failAppend = failEvent(payment.EventCaptureOK)
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeFailed, outcome.Status)
	assert.Equal(t, shared.FailureReasonCompensationExhausted, outcome.FailureReason)

	alarms := f.alarmer.raised()
	require.Len(t, alarms, 1)
	assert.Equal(t, saga.AlarmCompensationExhausted, alarms[0].Kind)
	assert.Equal(t, []string{"charge"}, alarms[0].Steps)

	exec, err := f.sagas.Get(ctx, outcome.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensationFailed, exec.Status)
}

func TestPaymentWorkflows_NotificationFailureDoesNotFailPayment(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = payment.DeliveryError{PaymentID: "x", Err: errors.New("broker down")}
	ctx := context.Background()

	outcome, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSettled, outcome.Status)

	exec, err := f.sagas.Get(ctx, outcome.SagaID)
	require.NoError(t, err)
	notify := exec.Step("notify")
	assert.Equal(t, saga.StepCommitted, notify.Status)
	assert.Contains(t, notify.Error, "broker down")
}

func TestPaymentWorkflows_Reversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	charged, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeSettled, charged.Status)

	reversed, err := f.service.ProcessPayment(ctx, reversal("r1", charged.PaymentID))
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeReversed, reversed.Status)
	assert.Equal(t, payment.StateReversed, reversed.State)
	assert.Equal(t, charged.PaymentID, reversed.PaymentID)
	assert.Equal(t, shared.ReversalSagaIDForKey("r1"), reversed.SagaID)

	assert.True(t, f.sandbox.Refunded(charged.ProcessorReference))
	assert.Zero(t, f.balance(t, "alice"))
	assert.Zero(t, f.balance(t, "merchant"))
	assert.Equal(t, []string{string(payment.EventSettleOK), string(payment.EventReverse)}, f.notifier.events())

	t.Run("replay of the same reversal", func(t *testing.T) {
		again, err := f.service.ProcessPayment(ctx, reversal("r1", charged.PaymentID))
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomeReversed, again.Status)
	})

	t.Run("second reversal under another key", func(t *testing.T) {
		second, err := f.service.ProcessPayment(ctx, reversal("r2", charged.PaymentID))
		require.NoError(t, err)
		assert.Equal(t, payment.OutcomeFailed, second.Status)
		assert.Equal(t, shared.FailureReasonInvalidTransition, second.FailureReason)
		assert.Zero(t, f.balance(t, "alice"))
	})

	view, err := f.workflows.reader.Describe(ctx, charged.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateReversed, view.Payment.State)
}

func TestPaymentWorkflows_ReversalRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	declined, err := f.service.ProcessPayment(ctx, charge("k1", 200_000))
	require.NoError(t, err)

	tests := []struct {
		name      string
		paymentID uuid.UUID
		reason    shared.FailureReason
	}{
		{name: "unknown payment", paymentID: uuid.New(), reason: shared.FailureReasonPaymentNotFound},
		{name: "failed payment", paymentID: declined.PaymentID, reason: shared.FailureReasonInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.service.ProcessPayment(ctx, reversal("rev-"+tt.name, tt.paymentID))
			require.NoError(t, err)
			assert.Equal(t, payment.OutcomeFailed, out.Status)
			assert.Equal(t, tt.reason, out.FailureReason)
		})
	}
}

func TestPaymentWorkflows_ResumeAfterCrashChargesOnce(t *testing.T) {
	f := newFixture(t, withWaitTimeout(20*time.Millisecond))
	ctx := context.Background()
	paymentID := shared.PaymentIDForKey("k1")
	stepKey := orchestrator.StepKey(paymentID, "charge")

	// a crashed worker holds the charge step and already charged under its key
	_, err := f.registry.BeginOrReplay(ctx, stepKey, idempotency.FingerprintOf(ChargeSagaName, paymentID.String(), "charge"))
	require.NoError(t, err)
	crashed, err := f.sandbox.Charge(ctx, 5000, "EUR", stepKey)
	require.NoError(t, err)

	first, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeIndeterminate, first.Status)

	exec, err := f.sagas.Get(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, exec.Status)

	rec, err := f.registry.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusInFlight, rec.Status, "an indeterminate outcome is not stored")

	// the crashed worker's lease runs out
	f.registry.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	outcome, err := f.service.ResumeSaga(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSettled, outcome.Status)
	assert.Equal(t, crashed.Reference, outcome.ProcessorReference, "reconciled, not charged again")
	assert.Equal(t, int64(-5000), f.balance(t, "alice"))

	rec, err = f.registry.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, rec.Status)

	replayed, err := f.service.ProcessPayment(ctx, charge("k1", 5000))
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSettled, replayed.Status)

	_, err = f.workflows.Resume(ctx, uuid.New())
	assert.ErrorIs(t, err, saga.ErrExecutionNotFound{})
}
