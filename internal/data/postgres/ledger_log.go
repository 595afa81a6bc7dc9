package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/platform/persistence"
)

// Constraint names from migrations/postgres/000001_create_ledger_entries.up.sql
const (
	constraintAccountSequence = "ledger_entries_account_seq_key"
	constraintIdempotencyKey  = "ledger_entries_idempotency_key"
	constraintReverses        = "ledger_entries_reverses_key"
)

const entryColumns = `entry_id, account_id, sequence_number, amount_minor_units, currency, kind,
		caused_by_transaction_id, payment_id, event, reverses_entry_id, idempotency_key,
		previous_entry_hash, entry_hash, created_at`

// LedgerLog implements ledger.DurableLog on an append-only PostgreSQL table.
// An INSERT acknowledged by the server has been committed with the server's
// synchronous_commit setting; the unique (account_id, sequence_number)
// constraint is the compare-and-swap that serializes writers across processes.
type LedgerLog struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewLedgerLog creates a new PostgreSQL ledger log
func NewLedgerLog(logger *slog.Logger, db *persistence.PostgresDB) ledger.DurableLog {
	return &LedgerLog{
		querier: db.Pool(),
		logger:  logger,
	}
}

func (r *LedgerLog) AppendAtomic(ctx context.Context, accountID string, entry *ledger.Entry) error {
	if entry.AccountID != accountID {
		return fmt.Errorf("ledger entry for account %s appended to %s", entry.AccountID, accountID)
	}

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.querier.Exec(ctx, query,
		entry.EntryID,
		entry.AccountID,
		entry.SequenceNumber,
		entry.Amount,
		entry.Currency,
		entry.Kind,
		entry.CausedByTransactionID,
		entry.PaymentID,
		entry.Event,
		entry.ReversesEntryID,
		entry.IdempotencyKey,
		entry.PreviousEntryHash,
		entry.EntryHash,
		entry.CreatedAt,
	)
	if err == nil {
		return nil
	}

	if code, constraint, ok := persistence.PgErrorCode(err); ok && code == persistence.CodeUniqueViolation {
		switch constraint {
		case constraintAccountSequence:
			return ledger.SequenceConflictError{AccountID: accountID, SequenceNumber: entry.SequenceNumber}
		case constraintIdempotencyKey:
			return ledger.DuplicateEntryError{IdempotencyKey: entry.IdempotencyKey}
		case constraintReverses:
			return ledger.ErrAlreadyReversed
		}
	}

	level := slog.LevelError
	if persistence.IsRetryable(err) {
		// nothing was written, the store's retry will try again
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "Failed to append ledger entry",
		"account_id", accountID,
		"sequence_number", entry.SequenceNumber,
		"error", err,
	)
	return ledger.DurabilityError{AccountID: accountID, Err: err}
}

func (r *LedgerLog) Head(ctx context.Context, accountID string) (*ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1
	`

	entry, err := scanEntry(r.querier.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger head: %w", err)
	}
	return entry, nil
}

func (r *LedgerLog) EntriesAfter(ctx context.Context, accountID string, afterSequence int64, limit int) ([]*ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC
		LIMIT $3
	`

	rows, err := r.querier.Query(ctx, query, accountID, afterSequence, limit)
	if err != nil {
		r.logger.Error("Failed to list ledger entries", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return collectEntries(rows)
}

func (r *LedgerLog) GetByID(ctx context.Context, entryID uuid.UUID) (*ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE entry_id = $1
	`

	entry, err := scanEntry(r.querier.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrEntryNotFound{EntryID: entryID}
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

func (r *LedgerLog) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE idempotency_key = $1
	`

	entry, err := scanEntry(r.querier.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrEntryNotFound{Key: key}
		}
		return nil, fmt.Errorf("failed to get ledger entry by key: %w", err)
	}
	return entry, nil
}

func (r *LedgerLog) EntriesByPayment(ctx context.Context, paymentID uuid.UUID) ([]*ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE payment_id = $1
		ORDER BY created_at ASC, account_id ASC, sequence_number ASC
	`

	rows, err := r.querier.Query(ctx, query, paymentID)
	if err != nil {
		r.logger.Error("Failed to list payment entries", "payment_id", paymentID.String(), "error", err)
		return nil, fmt.Errorf("failed to list payment entries: %w", err)
	}
	return collectEntries(rows)
}

func scanEntry(row pgx.Row) (*ledger.Entry, error) {
	var e ledger.Entry
	err := row.Scan(
		&e.EntryID,
		&e.AccountID,
		&e.SequenceNumber,
		&e.Amount,
		&e.Currency,
		&e.Kind,
		&e.CausedByTransactionID,
		&e.PaymentID,
		&e.Event,
		&e.ReversesEntryID,
		&e.IdempotencyKey,
		&e.PreviousEntryHash,
		&e.EntryHash,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*ledger.Entry, error) {
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over ledger entries: %w", err)
	}
	return entries, nil
}
