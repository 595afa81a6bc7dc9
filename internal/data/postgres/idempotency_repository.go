package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/platform/persistence"
)

// IdempotencyRepository implements idempotency.Repository for PostgreSQL.
// Claims rely on single-statement upserts so concurrent callers race on the
// primary key instead of an application lock.
type IdempotencyRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewIdempotencyRepository creates a new PostgreSQL idempotency repository
func NewIdempotencyRepository(logger *slog.Logger, db *persistence.PostgresDB) idempotency.Repository {
	return &IdempotencyRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// Claim inserts rec, or replaces a record whose retention window ended.
func (r *IdempotencyRepository) Claim(ctx context.Context, rec *idempotency.Record, now time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, request_fingerprint, status, result_payload, attempts, first_seen_at, claimed_at, completed_at, expires_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, NULL, $7)
		ON CONFLICT (key) DO UPDATE
		SET request_fingerprint = EXCLUDED.request_fingerprint,
			status = EXCLUDED.status,
			result_payload = NULL,
			attempts = EXCLUDED.attempts,
			first_seen_at = EXCLUDED.first_seen_at,
			claimed_at = EXCLUDED.claimed_at,
			completed_at = NULL,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= $8
	`

	tag, err := r.querier.Exec(ctx, query,
		rec.Key,
		rec.Fingerprint,
		rec.Status,
		rec.Attempts,
		rec.FirstSeenAt,
		rec.ClaimedAt,
		rec.ExpiresAt,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to claim idempotency key", "key", rec.Key, "error", err)
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	query := `
		SELECT key, request_fingerprint, status, result_payload, attempts, first_seen_at, claimed_at, completed_at, expires_at
		FROM idempotency_keys
		WHERE key = $1
	`

	var rec idempotency.Record
	var payload []byte
	err := r.querier.QueryRow(ctx, query, key).Scan(
		&rec.Key,
		&rec.Fingerprint,
		&rec.Status,
		&payload,
		&rec.Attempts,
		&rec.FirstSeenAt,
		&rec.ClaimedAt,
		&rec.CompletedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}
		r.logger.Error("Failed to get idempotency record", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	rec.ResultPayload = payload
	return &rec, nil
}

// TakeOver renews a stale lease. The claimed_at predicate is the compare-and-swap.
func (r *IdempotencyRepository) TakeOver(ctx context.Context, key string, staleBefore, now time.Time) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET claimed_at = $1, attempts = attempts + 1
		WHERE key = $2 AND status = $3 AND claimed_at <= $4
	`

	tag, err := r.querier.Exec(ctx, query, now, key, idempotency.StatusInFlight, staleBefore)
	if err != nil {
		r.logger.Error("Failed to take over idempotency key", "key", key, "error", err)
		return false, fmt.Errorf("failed to take over idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *IdempotencyRepository) Resolve(ctx context.Context, key string, status idempotency.Status, payload []byte, now, expiresAt time.Time) error {
	query := `
		UPDATE idempotency_keys
		SET status = $1, result_payload = $2, completed_at = $3, expires_at = $4
		WHERE key = $5 AND status = $6
	`

	tag, err := r.querier.Exec(ctx, query, status, payload, now, expiresAt, key, idempotency.StatusInFlight)
	if err != nil {
		r.logger.Error("Failed to resolve idempotency key",
			"key", key,
			"status", string(status),
			"error", err,
		)
		return fmt.Errorf("failed to resolve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrNotInFlight
	}
	return nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM idempotency_keys
		WHERE expires_at <= $1
	`

	tag, err := r.querier.Exec(ctx, query, now)
	if err != nil {
		r.logger.Error("Failed to delete expired idempotency keys", "error", err)
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
