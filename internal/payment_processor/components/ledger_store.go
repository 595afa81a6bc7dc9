package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
)

const entriesPageSize = 500

// ChainReport is the result of recomputing an account's hash chain
type ChainReport struct {
	AccountID        string `json:"account_id"`
	Entries          int    `json:"entries"`
	HeadHash         string `json:"head_hash,omitempty"`
	Valid            bool   `json:"valid"`
	BrokenAtSequence int64  `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// LedgerStore appends to and reads from the account chains. Appends to one
// account are serialized in process; the durable log's unique sequence number
// catches writers in other processes.
type LedgerStore struct {
	log    ledger.DurableLog
	cfg    config.LedgerConfig
	logger *slog.Logger
	locks  sync.Map // account id -> *sync.Mutex
	now    func() time.Time
}

func NewLedgerStore(log ledger.DurableLog, cfg config.LedgerConfig, logger *slog.Logger) *LedgerStore {
	return &LedgerStore{log: log, cfg: cfg, logger: logger, now: time.Now}
}

func (s *LedgerStore) lock(accountID string) func() {
	m, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Append validates draft, links it to the account head and writes it. An append
// whose idempotency key is already stored returns the stored entry.
func (s *LedgerStore) Append(ctx context.Context, draft ledger.Draft) (*ledger.Entry, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	// retries must reuse the key so an ambiguous write is never doubled
	if draft.IdempotencyKey == "" {
		draft.IdempotencyKey = uuid.NewString()
	}

	logger := s.logger.With("account_id", draft.AccountID, "idempotency_key", draft.IdempotencyKey)
	unlock := s.lock(draft.AccountID)
	defer unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.AppendInitialBackoff
	policy.MaxInterval = s.cfg.AppendMaxBackoff

	entry, err := backoff.Retry(ctx, func() (*ledger.Entry, error) {
		return s.appendOnce(ctx, draft)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(s.cfg.AppendMaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Ledger append failed, retrying", "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return nil, s.appendError(draft.AccountID, err)
	}

	logger.Debug("Ledger entry appended", "entry_id", entry.EntryID, "sequence", entry.SequenceNumber, "amount", entry.Amount)
	return entry, nil
}

func (s *LedgerStore) appendOnce(ctx context.Context, draft ledger.Draft) (*ledger.Entry, error) {
	head, err := s.log.Head(ctx, draft.AccountID)
	if err != nil {
		return nil, ledger.DurabilityError{AccountID: draft.AccountID, Err: err}
	}
	if head != nil && draft.Currency != head.Currency {
		return nil, backoff.Permanent(fmt.Errorf("%w: account %s holds %s, entry is %s",
			ledger.ErrInvalidCurrency, draft.AccountID, head.Currency, draft.Currency))
	}

	entry := ledger.NewEntry(draft, head, s.now())
	err = s.log.AppendAtomic(ctx, draft.AccountID, entry)
	switch {
	case err == nil:
		return entry, nil
	case errors.Is(err, ledger.DuplicateEntryError{}), errors.Is(err, ledger.ErrAlreadyReversed):
		existing, lookupErr := s.log.GetByIdempotencyKey(ctx, draft.IdempotencyKey)
		if lookupErr != nil {
			if errors.Is(lookupErr, ledger.ErrEntryNotFound{}) {
				return nil, backoff.Permanent(err)
			}
			return nil, ledger.DurabilityError{AccountID: draft.AccountID, Err: lookupErr}
		}
		if !sameDraft(existing, draft) {
			return nil, backoff.Permanent(ledger.DuplicateEntryError{IdempotencyKey: draft.IdempotencyKey})
		}
		return existing, nil
	case errors.Is(err, ledger.SequenceConflictError{}), errors.Is(err, ledger.DurabilityError{}):
		return nil, err
	default:
		return nil, backoff.Permanent(err)
	}
}

func (s *LedgerStore) appendError(accountID string, err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	switch {
	case errors.Is(err, ledger.DurabilityError{}):
		return err
	case errors.Is(err, ledger.SequenceConflictError{}), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ledger.DurabilityError{AccountID: accountID, Err: err}
	}
	return err
}

func sameDraft(e *ledger.Entry, d ledger.Draft) bool {
	return e.AccountID == d.AccountID &&
		e.Amount == d.Amount &&
		e.Currency == d.Currency &&
		e.Kind == d.Kind &&
		e.Event == d.Event
}

// Reverse appends the exact opposite of entryID. key makes the reversal
// retry-safe; a second reversal under another key fails with ErrAlreadyReversed.
func (s *LedgerStore) Reverse(ctx context.Context, entryID uuid.UUID, causedBy, key string) (*ledger.Entry, error) {
	original, err := s.log.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if original.Kind == ledger.KindReversal {
		return nil, fmt.Errorf("entry %s is itself a reversal", entryID)
	}
	return s.Append(ctx, ledger.ReversalOf(original, causedBy, key))
}

// EntriesFor returns every entry of an account in sequence order
func (s *LedgerStore) EntriesFor(ctx context.Context, accountID string) ([]*ledger.Entry, error) {
	var all []*ledger.Entry
	var after int64
	for {
		page, err := s.log.EntriesAfter(ctx, accountID, after, entriesPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read entries of account %s: %w", accountID, err)
		}
		all = append(all, page...)
		if len(page) < entriesPageSize {
			return all, nil
		}
		after = page[len(page)-1].SequenceNumber
	}
}

// Head returns the latest entry of the account, nil when it has none
func (s *LedgerStore) Head(ctx context.Context, accountID string) (*ledger.Entry, error) {
	return s.log.Head(ctx, accountID)
}

func (s *LedgerStore) EntriesAfter(ctx context.Context, accountID string, afterSequence int64, limit int) ([]*ledger.Entry, error) {
	return s.log.EntriesAfter(ctx, accountID, afterSequence, limit)
}

// BalanceOf folds the account's entries; no running total is stored
func (s *LedgerStore) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	entries, err := s.EntriesFor(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return ledger.Balance(entries), nil
}

func (s *LedgerStore) Verify(ctx context.Context, accountID string) (*ChainReport, error) {
	entries, err := s.EntriesFor(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{AccountID: accountID, Entries: len(entries), Valid: true}
	if len(entries) > 0 {
		report.HeadHash = entries[len(entries)-1].EntryHash
	}

	var broken ledger.ChainBrokenError
	if err := ledger.VerifyChain(entries); errors.As(err, &broken) {
		report.Valid = false
		report.BrokenAtSequence = broken.SequenceNumber
		report.Reason = broken.Reason
		s.logger.Error("Ledger hash chain broken", "account_id", accountID, "sequence", broken.SequenceNumber, "reason", broken.Reason)
	}
	return report, nil
}

func (s *LedgerStore) EntriesForPayment(ctx context.Context, paymentID uuid.UUID) ([]*ledger.Entry, error) {
	return s.log.EntriesByPayment(ctx, paymentID)
}

func (s *LedgerStore) GetByID(ctx context.Context, entryID uuid.UUID) (*ledger.Entry, error) {
	return s.log.GetByID(ctx, entryID)
}

func (s *LedgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	return s.log.GetByIdempotencyKey(ctx, key)
}
