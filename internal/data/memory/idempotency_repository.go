package memory

import (
	"context"
	"sync"
	"time"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
)

// IdempotencyRepository is a mutex-guarded idempotency.Repository
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{records: make(map[string]*idempotency.Record)}
}

func (r *IdempotencyRepository) Claim(_ context.Context, rec *idempotency.Record, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[rec.Key]; ok && !existing.IsExpired(now) {
		return false, nil
	}
	r.records[rec.Key] = cloneRecord(rec)
	return true, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (*idempotency.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (r *IdempotencyRepository) TakeOver(_ context.Context, key string, staleBefore, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok || rec.Status != idempotency.StatusInFlight || rec.ClaimedAt.After(staleBefore) {
		return false, nil
	}
	rec.ClaimedAt = now
	rec.Attempts++
	return true, nil
}

func (r *IdempotencyRepository) Resolve(_ context.Context, key string, status idempotency.Status, payload []byte, now, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok || rec.Status != idempotency.StatusInFlight {
		return idempotency.ErrNotInFlight
	}
	rec.Status = status
	rec.ResultPayload = append([]byte(nil), payload...)
	completed := now
	rec.CompletedAt = &completed
	rec.ExpiresAt = expiresAt
	return nil
}

func (r *IdempotencyRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for key, rec := range r.records {
		if rec.IsExpired(now) {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

func cloneRecord(rec *idempotency.Record) *idempotency.Record {
	c := *rec
	c.ResultPayload = append([]byte(nil), rec.ResultPayload...)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
