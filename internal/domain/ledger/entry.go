package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyAccountID        = errors.New("ledger: account id is required")
	ErrInvalidCurrency       = errors.New("ledger: currency must be a 3-letter code")
	ErrInvalidKind           = errors.New("ledger: unknown entry kind")
	ErrInvalidAmountSign     = errors.New("ledger: amount sign does not match entry kind")
	ErrMissingReversalTarget = errors.New("ledger: reversal must reference the reversed entry")
	ErrUnexpectedReversal    = errors.New("ledger: only reversal entries may reference another entry")
)

// Kind classifies a monetary movement.
type Kind string

const (
	KindDebit    Kind = "DEBIT"
	KindCredit   Kind = "CREDIT"
	KindReversal Kind = "REVERSAL"
)

// Entry is an immutable ledger record. Once appended it is never updated or
// deleted; the only correction is a reversal entry that references it.
type Entry struct {
	EntryID               uuid.UUID  `json:"entry_id"`
	AccountID             string     `json:"account_id"`
	SequenceNumber        int64      `json:"sequence_number"`
	Amount                int64      `json:"amount_minor_units"` // signed, minor units
	Currency              string     `json:"currency"`
	Kind                  Kind       `json:"kind"`
	CausedByTransactionID string     `json:"caused_by_transaction_id"`
	PaymentID             *uuid.UUID `json:"payment_id,omitempty"`
	Event                 string     `json:"event,omitempty"`
	ReversesEntryID       *uuid.UUID `json:"reverses_entry_id,omitempty"`
	IdempotencyKey        string     `json:"idempotency_key"`
	PreviousEntryHash     string     `json:"previous_entry_hash"`
	EntryHash             string     `json:"entry_hash"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Draft carries the caller-controlled fields of an entry. Sequence number,
// hashes, id and timestamp are assigned on append.
type Draft struct {
	AccountID             string
	Amount                int64
	Currency              string
	Kind                  Kind
	CausedByTransactionID string
	PaymentID             *uuid.UUID
	Event                 string
	ReversesEntryID       *uuid.UUID
	IdempotencyKey        string
}

// Validate checks the structural rules every entry must satisfy.
func (d Draft) Validate() error {
	if d.AccountID == "" {
		return ErrEmptyAccountID
	}
	if len(d.Currency) != 3 {
		return ErrInvalidCurrency
	}
	switch d.Kind {
	case KindDebit:
		if d.Amount > 0 {
			return fmt.Errorf("%w: debit of %d", ErrInvalidAmountSign, d.Amount)
		}
	case KindCredit:
		if d.Amount < 0 {
			return fmt.Errorf("%w: credit of %d", ErrInvalidAmountSign, d.Amount)
		}
	case KindReversal:
		if d.ReversesEntryID == nil {
			return ErrMissingReversalTarget
		}
		if d.Amount == 0 {
			return fmt.Errorf("%w: zero reversal", ErrInvalidAmountSign)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, d.Kind)
	}
	if d.Kind != KindReversal && d.ReversesEntryID != nil {
		return ErrUnexpectedReversal
	}
	return nil
}

// NewEntry builds the next entry of an account chain on top of head, which is
// nil for an empty account. createdAt is truncated to microseconds so the hash
// survives storage engines with microsecond timestamps.
func NewEntry(draft Draft, head *Entry, createdAt time.Time) *Entry {
	seq := int64(1)
	prev := GenesisHash
	if head != nil {
		seq = head.SequenceNumber + 1
		prev = head.EntryHash
	}

	entry := &Entry{
		EntryID:               uuid.New(),
		AccountID:             draft.AccountID,
		SequenceNumber:        seq,
		Amount:                draft.Amount,
		Currency:              draft.Currency,
		Kind:                  draft.Kind,
		CausedByTransactionID: draft.CausedByTransactionID,
		PaymentID:             draft.PaymentID,
		Event:                 draft.Event,
		ReversesEntryID:       draft.ReversesEntryID,
		IdempotencyKey:        draft.IdempotencyKey,
		PreviousEntryHash:     prev,
		CreatedAt:             createdAt.UTC().Truncate(time.Microsecond),
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = entry.EntryID.String()
	}
	entry.EntryHash = ComputeHash(entry)
	return entry
}

// ReversalOf returns the draft that exactly undoes original.
func ReversalOf(original *Entry, causedBy, idempotencyKey string) Draft {
	id := original.EntryID
	return Draft{
		AccountID:             original.AccountID,
		Amount:                -original.Amount,
		Currency:              original.Currency,
		Kind:                  KindReversal,
		CausedByTransactionID: causedBy,
		PaymentID:             original.PaymentID,
		ReversesEntryID:       &id,
		IdempotencyKey:        idempotencyKey,
	}
}
