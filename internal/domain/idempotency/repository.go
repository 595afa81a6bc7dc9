package idempotency

import (
	"context"
	"errors"
	"time"
)

// Repository persists idempotency records. Claim and TakeOver are atomic
// test-and-set operations: for one key at most one concurrent caller succeeds.
type Repository interface {
	// Claim inserts rec unless a live record holds the key. An expired record
	// is replaced. Returns true when rec was stored.
	Claim(ctx context.Context, rec *Record, now time.Time) (bool, error)

	// Get returns the record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// TakeOver renews the lease of an in-flight record whose claim is older
	// than staleBefore. Returns true for the single caller that wins.
	TakeOver(ctx context.Context, key string, staleBefore, now time.Time) (bool, error)

	// Resolve moves an in-flight record to a terminal status and restarts its
	// retention window at expiresAt. Fails with ErrNotInFlight when the record
	// is already terminal or missing.
	Resolve(ctx context.Context, key string, status Status, payload []byte, now, expiresAt time.Time) error

	// DeleteExpired removes records whose retention window ended.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	ErrRecordNotFound = errors.New("idempotency: record not found")
	ErrNotInFlight    = errors.New("idempotency: record is not in flight")
	ErrInFlight       = errors.New("idempotency: request with this key is still in progress")
	ErrEmptyResult    = errors.New("idempotency: record has no stored result")
	ErrEmptyKey       = errors.New("idempotency: key cannot be empty")
)

// ConflictError indicates a key reused with a different request body
type ConflictError struct {
	Key string
}

func (e ConflictError) Error() string {
	return "idempotency key reused with a different request: " + e.Key
}

// Is implements the errors.Is interface for ConflictError
func (e ConflictError) Is(target error) bool {
	t, ok := target.(ConflictError)
	if !ok {
		return false
	}
	return t.Key == "" || t.Key == e.Key
}
