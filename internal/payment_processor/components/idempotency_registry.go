package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
)

// errClaimVanished means the record disappeared between Claim and Get
var errClaimVanished = errors.New("idempotency record vanished during claim")

// IdempotencyRegistry deduplicates requests by key. For one key at most one
// caller executes at a time; everyone else replays the stored result.
type IdempotencyRegistry struct {
	repo   idempotency.Repository
	cfg    config.IdempotencyConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewIdempotencyRegistry(repo idempotency.Repository, cfg config.IdempotencyConfig, logger *slog.Logger) *IdempotencyRegistry {
	return &IdempotencyRegistry{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// BeginOrReplay claims key for the caller. A live in-flight claim by someone
// else is polled until it resolves or WaitTimeout passes, then ErrInFlight.
func (r *IdempotencyRegistry) BeginOrReplay(ctx context.Context, key, fingerprint string) (*idempotency.Claim, error) {
	if key == "" {
		return nil, idempotency.ErrEmptyKey
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewConstantBackOff(r.cfg.PollInterval))}
	if r.cfg.WaitTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.WaitTimeout))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	claim, err := backoff.Retry(ctx, func() (*idempotency.Claim, error) {
		return r.tryClaim(ctx, key, fingerprint)
	}, opts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if errors.Is(err, errClaimVanished) {
			err = idempotency.ErrInFlight
		}
		return nil, err
	}

	r.logger.Debug("Idempotency key claimed", "key", key, "outcome", claim.Outcome, "attempts", claim.Record.Attempts)
	return claim, nil
}

func (r *IdempotencyRegistry) tryClaim(ctx context.Context, key, fingerprint string) (*idempotency.Claim, error) {
	now := r.now()
	fresh := idempotency.NewInFlight(key, fingerprint, now, r.cfg.RetentionWindow)
	won, err := r.repo.Claim(ctx, fresh, now)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to claim idempotency key %s: %w", key, err))
	}
	if won {
		return &idempotency.Claim{Outcome: idempotency.ClaimFresh, Record: fresh}, nil
	}

	rec, err := r.repo.Get(ctx, key)
	if errors.Is(err, idempotency.ErrRecordNotFound) {
		return nil, errClaimVanished
	}
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to read idempotency key %s: %w", key, err))
	}

	if rec.Fingerprint != fingerprint {
		r.logger.Warn("Idempotency key reused with a different request", "key", key)
		return nil, backoff.Permanent(idempotency.ConflictError{Key: key})
	}
	if rec.IsTerminal() {
		return &idempotency.Claim{Outcome: idempotency.ClaimReplayed, Record: rec}, nil
	}
	if rec.IsStale(now, r.cfg.InFlightTimeout) {
		taken, err := r.repo.TakeOver(ctx, key, now.Add(-r.cfg.InFlightTimeout), now)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to take over idempotency key %s: %w", key, err))
		}
		if taken {
			rec.ClaimedAt = now
			rec.Attempts++
			r.logger.Warn("Took over stale in-flight idempotency key", "key", key, "attempts", rec.Attempts)
			return &idempotency.Claim{Outcome: idempotency.ClaimRecovered, Record: rec}, nil
		}
	}
	return nil, idempotency.ErrInFlight
}

// Complete stores result as the successful outcome of key
func (r *IdempotencyRegistry) Complete(ctx context.Context, key string, result any) error {
	return r.resolve(ctx, key, idempotency.StatusCompleted, result)
}

// Fail stores result as the failed outcome of key. It is replayed like a success.
func (r *IdempotencyRegistry) Fail(ctx context.Context, key string, result any) error {
	return r.resolve(ctx, key, idempotency.StatusFailed, result)
}

func (r *IdempotencyRegistry) resolve(ctx context.Context, key string, status idempotency.Status, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result for idempotency key %s: %w", key, err)
	}
	now := r.now()
	if err := r.repo.Resolve(ctx, key, status, payload, now, now.Add(r.cfg.RetentionWindow)); err != nil {
		return fmt.Errorf("failed to resolve idempotency key %s as %s: %w", key, status, err)
	}
	return nil
}

// Lookup returns the record of key without claiming it
func (r *IdempotencyRegistry) Lookup(ctx context.Context, key string) (*idempotency.Record, error) {
	return r.repo.Get(ctx, key)
}

// SweepExpired deletes records whose retention window ended
func (r *IdempotencyRegistry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.repo.DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired idempotency keys: %w", err)
	}
	if n > 0 {
		r.logger.Info("Swept expired idempotency keys", "count", n)
	}
	return n, nil
}
