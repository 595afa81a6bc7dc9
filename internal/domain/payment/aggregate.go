package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
)

var ErrMissingCaptureEntry = errors.New("payment: no capture entry to reverse")

// Aggregate is the materialized view of one payment. It is never the source of
// truth: State, CaptureEntryID, SettlementEntryID and LastTransitionAt are
// folded from the ledger entries of the payment.
type Aggregate struct {
	PaymentID        uuid.UUID `json:"payment_id"`
	OrderID          string    `json:"order_id"`
	PayerAccountID   string    `json:"payer_account_id"`
	PayeeAccountID   string    `json:"payee_account_id"`
	Amount           int64     `json:"amount_minor_units"`
	Currency         string    `json:"currency"`
	State            State     `json:"state"`
	AttemptCount     int       `json:"attempt_count"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	// LastEvent is the transition that moved the payment to State
	LastEvent Event `json:"last_event,omitempty"`

	CaptureEntryID    *uuid.UUID `json:"capture_entry_id,omitempty"`
	SettlementEntryID *uuid.UUID `json:"settlement_entry_id,omitempty"`
}

// New returns an aggregate in the Created state
func New(paymentID uuid.UUID, orderID, payer, payee string, amount int64, currency string) *Aggregate {
	return &Aggregate{
		PaymentID:      paymentID,
		OrderID:        orderID,
		PayerAccountID: payer,
		PayeeAccountID: payee,
		Amount:         amount,
		Currency:       currency,
		State:          StateCreated,
	}
}

// TransitionKey is the idempotency key of the ledger entry committing event
func TransitionKey(paymentID uuid.UUID, event Event) string {
	return fmt.Sprintf("%s:%s", paymentID, event)
}

// Rehydrate folds the transition entries of a payment onto base. Entries may
// arrive in any order across accounts: from each state at most one recorded
// event is legal, so walking the table from Created is order independent.
func Rehydrate(base *Aggregate, entries []*ledger.Entry) (*Aggregate, error) {
	agg := *base
	agg.State = StateCreated
	agg.CaptureEntryID = nil
	agg.SettlementEntryID = nil
	agg.LastEvent = ""

	recorded := make(map[Event]*ledger.Entry)
	for _, e := range entries {
		if e.PaymentID == nil || *e.PaymentID != base.PaymentID || e.Event == "" {
			continue
		}
		recorded[Event(e.Event)] = e
		if e.CreatedAt.After(agg.LastTransitionAt) {
			agg.LastTransitionAt = e.CreatedAt
		}
	}

	applied := 0
	for applied < len(recorded) {
		advanced := false
		for event, entry := range recorded {
			to, err := Transition(agg.State, event)
			if err != nil {
				continue
			}
			agg.observe(event, entry)
			agg.State = to
			agg.LastEvent = event
			applied++
			advanced = true
			break
		}
		if !advanced {
			return nil, fmt.Errorf("payment %s: ledger holds events unreachable from %s", base.PaymentID, agg.State)
		}
	}
	return &agg, nil
}

func (a *Aggregate) observe(event Event, entry *ledger.Entry) {
	id := entry.EntryID
	switch event {
	case EventCaptureOK:
		a.CaptureEntryID = &id
	case EventSettleOK:
		a.SettlementEntryID = &id
	}
}

// Apply records that event was committed by entry
func (a *Aggregate) Apply(event Event, entry *ledger.Entry) error {
	to, err := Transition(a.State, event)
	if err != nil {
		return err
	}
	a.observe(event, entry)
	a.State = to
	a.LastEvent = event
	a.LastTransitionAt = entry.CreatedAt
	return nil
}

// PostingFor returns the single ledger posting that commits event. captured is
// the capture debit, required only for the reverse event.
func PostingFor(a *Aggregate, event Event, captured *ledger.Entry) (ledger.Draft, error) {
	pid := a.PaymentID
	draft := ledger.Draft{
		AccountID:             a.PayerAccountID,
		Currency:              a.Currency,
		Kind:                  ledger.KindDebit,
		CausedByTransactionID: pid.String(),
		PaymentID:             &pid,
		Event:                 string(event),
		IdempotencyKey:        TransitionKey(pid, event),
	}

	switch event {
	case EventCaptureOK:
		draft.Amount = -a.Amount
	case EventSettleOK:
		draft.AccountID = a.PayeeAccountID
		draft.Kind = ledger.KindCredit
		draft.Amount = a.Amount
	case EventReverse:
		if captured == nil {
			return ledger.Draft{}, ErrMissingCaptureEntry
		}
		reversal := ledger.ReversalOf(captured, pid.String(), draft.IdempotencyKey)
		reversal.Event = string(event)
		return reversal, nil
	}
	return draft, nil
}
