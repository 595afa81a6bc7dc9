// Package processor ships a deterministic in-process payment processor used by
// local deployments and scenario tests.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
)

var (
	ErrUnknownReference = errors.New("sandbox processor: unknown charge reference")
	ErrAlreadyRefunded  = errors.New("sandbox processor: charge already refunded")
)

type charge struct {
	result   payment.ChargeResult
	amount   int64
	currency string
	refunded bool
}

// Sandbox approves every charge up to DeclineAbove. Calls are idempotent on
// their key. A charge whose latency outlives the caller's context is still
// recorded, which is how a real processor behaves on a client timeout.
type Sandbox struct {
	logger       *slog.Logger
	declineAbove int64
	latency      time.Duration

	mu        sync.Mutex
	charges   map[string]*charge // by idempotency key
	refs      map[string]string  // reference -> idempotency key
	refundKey map[string]string  // refund key -> reference
}

func NewSandbox(logger *slog.Logger, cfg config.ProcessorConfig) *Sandbox {
	return &Sandbox{
		logger:       logger,
		declineAbove: cfg.DeclineAbove,
		latency:      cfg.Latency,
		charges:      make(map[string]*charge),
		refs:         make(map[string]string),
		refundKey:    make(map[string]string),
	}
}

func (s *Sandbox) Charge(ctx context.Context, amount int64, currency, idempotencyKey string) (payment.ChargeResult, error) {
	result := s.record(amount, currency, idempotencyKey)
	if err := s.wait(ctx); err != nil {
		s.logger.Warn("Sandbox charge timed out after being recorded", "idempotency_key", idempotencyKey)
		return payment.ChargeResult{}, err
	}

	s.logger.Debug("Sandbox charge", "idempotency_key", idempotencyKey, "status", result.Status, "reference", result.Reference)
	return result, nil
}

func (s *Sandbox) Status(ctx context.Context, idempotencyKey string) (payment.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return payment.ChargeResult{}, payment.ErrProcessorTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[idempotencyKey]
	if !ok {
		return payment.ChargeResult{Status: payment.ChargeNotFound}, nil
	}
	return c.result, nil
}

func (s *Sandbox) Refund(ctx context.Context, reference string, amount int64, currency, idempotencyKey string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.refundKey[idempotencyKey]; ok {
		if prior != reference {
			return fmt.Errorf("sandbox processor: refund key %s reused for reference %s", idempotencyKey, reference)
		}
		return nil
	}
	key, ok := s.refs[reference]
	if !ok {
		return ErrUnknownReference
	}
	c := s.charges[key]
	if c.refunded {
		return ErrAlreadyRefunded
	}
	if c.amount != amount || c.currency != currency {
		return fmt.Errorf("sandbox processor: refund of %d %s does not match charge of %d %s", amount, currency, c.amount, c.currency)
	}

	c.refunded = true
	s.refundKey[idempotencyKey] = reference
	s.logger.Debug("Sandbox refund", "reference", reference, "idempotency_key", idempotencyKey)
	return nil
}

// Refunded reports whether the charge behind reference was refunded
func (s *Sandbox) Refunded(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.refs[reference]
	return ok && s.charges[key].refunded
}

func (s *Sandbox) record(amount int64, currency, key string) payment.ChargeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.charges[key]; ok {
		return c.result
	}

	c := &charge{amount: amount, currency: currency}
	if s.declineAbove > 0 && amount > s.declineAbove {
		c.result = payment.ChargeResult{Status: payment.ChargeDeclined, Reason: "amount above sandbox limit"}
	} else {
		ref := "sbx_" + uuid.NewString()
		c.result = payment.ChargeResult{Status: payment.ChargeApproved, Reference: ref}
		s.refs[ref] = key
	}
	s.charges[key] = c
	return c.result
}

func (s *Sandbox) wait(ctx context.Context) error {
	if s.latency <= 0 {
		if ctx.Err() != nil {
			return payment.ErrProcessorTimeout
		}
		return nil
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return payment.ErrProcessorTimeout
	case <-timer.C:
		return nil
	}
}
