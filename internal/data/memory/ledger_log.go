// Package memory holds in-process implementations of the storage ports. They
// honor the same atomicity contracts as the database adapters and are used by
// tests and by STORAGE_BACKEND=memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
)

// LedgerLog is an append-only in-memory ledger.DurableLog
type LedgerLog struct {
	mu       sync.RWMutex
	accounts map[string][]*ledger.Entry
	byID     map[uuid.UUID]*ledger.Entry
	byKey    map[string]*ledger.Entry
	reversed map[uuid.UUID]struct{}
	appended []*ledger.Entry
}

func NewLedgerLog() *LedgerLog {
	return &LedgerLog{
		accounts: make(map[string][]*ledger.Entry),
		byID:     make(map[uuid.UUID]*ledger.Entry),
		byKey:    make(map[string]*ledger.Entry),
		reversed: make(map[uuid.UUID]struct{}),
	}
}

func (l *LedgerLog) AppendAtomic(ctx context.Context, accountID string, entry *ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return ledger.DurabilityError{AccountID: accountID, Err: err}
	}
	if entry.AccountID != accountID {
		return fmt.Errorf("ledger entry for account %s appended to %s", entry.AccountID, accountID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.accounts[accountID]
	if entry.SequenceNumber != int64(len(chain))+1 {
		return ledger.SequenceConflictError{AccountID: accountID, SequenceNumber: entry.SequenceNumber}
	}
	if _, ok := l.byKey[entry.IdempotencyKey]; ok {
		return ledger.DuplicateEntryError{IdempotencyKey: entry.IdempotencyKey}
	}
	if entry.ReversesEntryID != nil {
		if _, ok := l.reversed[*entry.ReversesEntryID]; ok {
			return ledger.ErrAlreadyReversed
		}
		l.reversed[*entry.ReversesEntryID] = struct{}{}
	}

	stored := cloneEntry(entry)
	l.accounts[accountID] = append(chain, stored)
	l.byID[stored.EntryID] = stored
	l.byKey[stored.IdempotencyKey] = stored
	l.appended = append(l.appended, stored)
	return nil
}

func (l *LedgerLog) Head(_ context.Context, accountID string) (*ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.accounts[accountID]
	if len(chain) == 0 {
		return nil, nil
	}
	return cloneEntry(chain[len(chain)-1]), nil
}

func (l *LedgerLog) EntriesAfter(_ context.Context, accountID string, afterSequence int64, limit int) ([]*ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.accounts[accountID]
	if afterSequence < 0 {
		afterSequence = 0
	}
	if afterSequence >= int64(len(chain)) {
		return nil, nil
	}
	end := len(chain)
	if limit > 0 && int(afterSequence)+limit < end {
		end = int(afterSequence) + limit
	}

	out := make([]*ledger.Entry, 0, end-int(afterSequence))
	for _, e := range chain[afterSequence:end] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (l *LedgerLog) GetByID(_ context.Context, entryID uuid.UUID) (*ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[entryID]
	if !ok {
		return nil, ledger.ErrEntryNotFound{EntryID: entryID}
	}
	return cloneEntry(e), nil
}

func (l *LedgerLog) GetByIdempotencyKey(_ context.Context, key string) (*ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byKey[key]
	if !ok {
		return nil, ledger.ErrEntryNotFound{Key: key}
	}
	return cloneEntry(e), nil
}

func (l *LedgerLog) EntriesByPayment(_ context.Context, paymentID uuid.UUID) ([]*ledger.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*ledger.Entry
	for _, e := range l.appended {
		if e.PaymentID != nil && *e.PaymentID == paymentID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// Len returns the number of entries across all accounts
func (l *LedgerLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.appended)
}

func cloneEntry(e *ledger.Entry) *ledger.Entry {
	c := *e
	if e.PaymentID != nil {
		id := *e.PaymentID
		c.PaymentID = &id
	}
	if e.ReversesEntryID != nil {
		id := *e.ReversesEntryID
		c.ReversesEntryID = &id
	}
	return &c
}
