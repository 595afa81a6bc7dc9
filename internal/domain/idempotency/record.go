package idempotency

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle of an idempotency record. IN_FLIGHT moves one way to
// COMPLETED or FAILED.
type Status string

const (
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record maps a caller-supplied key to the first execution it triggered
type Record struct {
	Key           string          `json:"key"`
	Fingerprint   string          `json:"request_fingerprint"`
	Status        Status          `json:"status"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	Attempts      int             `json:"attempts"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	ClaimedAt     time.Time       `json:"claimed_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// NewInFlight creates the record written by the caller that wins a claim
func NewInFlight(key, fingerprint string, now time.Time, retention time.Duration) *Record {
	return &Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusInFlight,
		Attempts:    1,
		FirstSeenAt: now,
		ClaimedAt:   now,
		ExpiresAt:   now.Add(retention),
	}
}

// IsTerminal reports whether the record holds a final result
func (r *Record) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// IsExpired reports whether the retention window has passed
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsStale reports whether an in-flight claim outlived its lease
func (r *Record) IsStale(now time.Time, leaseTimeout time.Duration) bool {
	return r.Status == StatusInFlight && now.Sub(r.ClaimedAt) >= leaseTimeout
}

// DecodeResult unmarshals the stored result payload into v
func (r *Record) DecodeResult(v any) error {
	if len(r.ResultPayload) == 0 {
		return ErrEmptyResult
	}
	return json.Unmarshal(r.ResultPayload, v)
}

// ClaimOutcome tells the caller what to do after BeginOrReplay
type ClaimOutcome string

const (
	// ClaimFresh: the caller owns the key and must execute the operation once.
	ClaimFresh ClaimOutcome = "FRESH"
	// ClaimReplayed: a terminal result exists; return it without side effects.
	ClaimReplayed ClaimOutcome = "REPLAYED"
	// ClaimRecovered: the caller took over a stale in-flight key and must
	// reconcile what the first attempt already did before acting.
	ClaimRecovered ClaimOutcome = "RECOVERED"
)

// Claim is the result of BeginOrReplay
type Claim struct {
	Outcome ClaimOutcome
	Record  *Record
}
