package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DurableLog is the append-only storage primitive the ledger is built on.
// AppendAtomic must not return before the write is durable.
type DurableLog interface {
	// AppendAtomic stores entry for accountID. It fails with
	// SequenceConflictError when the sequence number is taken,
	// DuplicateEntryError when the idempotency key was already used,
	// ErrAlreadyReversed when the reversed entry has a reversal, and
	// DurabilityError for anything that leaves the write unconfirmed.
	AppendAtomic(ctx context.Context, accountID string, entry *Entry) error

	// Head returns the latest entry of an account, or nil when it has none.
	Head(ctx context.Context, accountID string) (*Entry, error)

	// EntriesAfter returns up to limit entries with sequence > afterSequence, ascending.
	EntriesAfter(ctx context.Context, accountID string, afterSequence int64, limit int) ([]*Entry, error)

	GetByID(ctx context.Context, entryID uuid.UUID) (*Entry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error)

	// EntriesByPayment returns every entry of a payment across accounts in append order.
	EntriesByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Entry, error)
}

// ErrAlreadyReversed indicates a second reversal of the same entry
var ErrAlreadyReversed = errors.New("ledger: entry already reversed")

// DurabilityError indicates the log could not confirm the write survives a crash.
type DurabilityError struct {
	AccountID string
	Err       error
}

func (e DurabilityError) Error() string {
	return fmt.Sprintf("ledger: write for account %s not durable: %v", e.AccountID, e.Err)
}

func (e DurabilityError) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface for DurabilityError
func (e DurabilityError) Is(target error) bool {
	t, ok := target.(DurabilityError)
	if !ok {
		return false
	}
	return t.AccountID == "" || t.AccountID == e.AccountID
}

// SequenceConflictError indicates another writer appended the same sequence number first
type SequenceConflictError struct {
	AccountID      string
	SequenceNumber int64
}

func (e SequenceConflictError) Error() string {
	return fmt.Sprintf("ledger: sequence %d already taken for account %s", e.SequenceNumber, e.AccountID)
}

// Is implements the errors.Is interface for SequenceConflictError
func (e SequenceConflictError) Is(target error) bool {
	t, ok := target.(SequenceConflictError)
	if !ok {
		return false
	}
	return t.AccountID == "" || (t.AccountID == e.AccountID && t.SequenceNumber == e.SequenceNumber)
}

// DuplicateEntryError indicates the idempotency key of the entry was already appended
type DuplicateEntryError struct {
	IdempotencyKey string
}

func (e DuplicateEntryError) Error() string {
	return "ledger: duplicate entry for idempotency key " + e.IdempotencyKey
}

// Is implements the errors.Is interface for DuplicateEntryError
func (e DuplicateEntryError) Is(target error) bool {
	t, ok := target.(DuplicateEntryError)
	if !ok {
		return false
	}
	return t.IdempotencyKey == "" || t.IdempotencyKey == e.IdempotencyKey
}

// ErrEntryNotFound indicates missing ledger entry
type ErrEntryNotFound struct {
	EntryID uuid.UUID
	Key     string
}

func (e ErrEntryNotFound) Error() string {
	if e.Key != "" {
		return "ledger entry not found for key: " + e.Key
	}
	return "ledger entry not found: " + e.EntryID.String()
}

// Is implements the errors.Is interface for ErrEntryNotFound
func (e ErrEntryNotFound) Is(target error) bool {
	t, ok := target.(ErrEntryNotFound)
	if !ok {
		return false
	}
	// An empty target matches any ErrEntryNotFound
	if t.EntryID == uuid.Nil && t.Key == "" {
		return true
	}
	return e.EntryID == t.EntryID && e.Key == t.Key
}
