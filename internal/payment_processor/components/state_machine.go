package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
)

// PaymentStateMachine commits transitions as ledger entries. The entry keyed
// paymentId:event is the transition record, so the state change and the money
// movement are one write.
type PaymentStateMachine struct {
	ledger *LedgerStore
	logger *slog.Logger
}

func NewPaymentStateMachine(store *LedgerStore, logger *slog.Logger) *PaymentStateMachine {
	return &PaymentStateMachine{ledger: store, logger: logger}
}

// Apply validates event against agg and appends its posting. A rejected
// transition appends nothing. Reapplying the event that moved the payment to
// its current state returns the stored entry; any other committed event is
// rejected like an illegal one.
func (m *PaymentStateMachine) Apply(ctx context.Context, agg *payment.Aggregate, event payment.Event) (*ledger.Entry, error) {
	logger := m.logger.With("payment_id", agg.PaymentID, "event", event, "from", agg.State)

	if _, err := payment.Transition(agg.State, event); err != nil {
		if entry, ok := m.committed(ctx, agg, event); ok {
			logger.Debug("Payment transition already committed", "entry_id", entry.EntryID)
			return entry, nil
		}
		logger.Error("Rejected payment transition", "error", err)
		return nil, err
	}

	var captured *ledger.Entry
	if event == payment.EventReverse {
		if agg.CaptureEntryID == nil {
			return nil, payment.ErrMissingCaptureEntry
		}
		entry, err := m.ledger.GetByID(ctx, *agg.CaptureEntryID)
		if err != nil {
			return nil, fmt.Errorf("failed to load capture entry of payment %s: %w", agg.PaymentID, err)
		}
		captured = entry
	}

	draft, err := payment.PostingFor(agg, event, captured)
	if err != nil {
		return nil, err
	}
	entry, err := m.ledger.Append(ctx, draft)
	if err != nil {
		logger.Error("Failed to commit payment transition", "error", err)
		return nil, err
	}
	if err := agg.Apply(event, entry); err != nil {
		return nil, err
	}

	logger.Info("Payment transition committed", "to", agg.State, "entry_id", entry.EntryID)
	return entry, nil
}

// committed returns the entry of event when the ledger shows it as the last
// transition of the payment, and brings agg up to date. A stale aggregate
// retrying its step lands here.
func (m *PaymentStateMachine) committed(ctx context.Context, agg *payment.Aggregate, event payment.Event) (*ledger.Entry, bool) {
	current, err := m.Load(ctx, agg)
	if err != nil || current.LastEvent != event {
		return nil, false
	}
	entry, err := m.ledger.GetByIdempotencyKey(ctx, payment.TransitionKey(agg.PaymentID, event))
	if err != nil {
		return nil, false
	}
	*agg = *current
	return entry, true
}

// Load rehydrates base from the payment's ledger entries
func (m *PaymentStateMachine) Load(ctx context.Context, base *payment.Aggregate) (*payment.Aggregate, error) {
	entries, err := m.ledger.EntriesForPayment(ctx, base.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries of payment %s: %w", base.PaymentID, err)
	}
	return payment.Rehydrate(base, entries)
}
