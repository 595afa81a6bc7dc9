package components

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/data/memory"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/service"
	"github.com/innoscripta-payment-ledger/internal/platform/processor"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConfig() *config.Config {
	return &config.Config{
		WorkerPool: config.WorkerPoolConfig{Size: 4},
		Ledger: config.LedgerConfig{
			AppendMaxAttempts:    3,
			AppendInitialBackoff: time.Millisecond,
			AppendMaxBackoff:     2 * time.Millisecond,
		},
		Idempotency: config.IdempotencyConfig{
			RetentionWindow: 24 * time.Hour,
			InFlightTimeout: 2 * time.Minute,
			WaitTimeout:     500 * time.Millisecond,
			PollInterval:    5 * time.Millisecond,
		},
		Saga: config.SagaConfig{
			StepTimeout:                time.Second,
			CompensationMaxAttempts:    3,
			CompensationInitialBackoff: time.Millisecond,
			CompensationMaxBackoff:     2 * time.Millisecond,
		},
		Payment: config.PaymentConfig{
			MinAmount:           1,
			MaxAmount:           1_000_000,
			AllowedCurrencies:   []string{"EUR", "USD"},
			SettlementAccountID: "merchant",
		},
		Processor: config.ProcessorConfig{DeclineAbove: 100_000},
	}
}

// faultyLog fails appends selected by failAppend and can corrupt reads.
// beforeAppend and afterAppend run around every append that reaches the log.
type faultyLog struct {
	ledger.DurableLog
	failAppend   func(e *ledger.Entry) bool
	beforeAppend func(e *ledger.Entry)
	afterAppend  func(e *ledger.Entry)
	tamper       func(e *ledger.Entry)
	appends      atomic.Int32
}

func (l *faultyLog) AppendAtomic(ctx context.Context, accountID string, entry *ledger.Entry) error {
	l.appends.Add(1)
	if l.failAppend != nil && l.failAppend(entry) {
		return ledger.DurabilityError{AccountID: accountID, Err: errors.New("fsync failed")}
	}
	if l.beforeAppend != nil {
		l.beforeAppend(entry)
	}
	if err := l.DurableLog.AppendAtomic(ctx, accountID, entry); err != nil {
		return err
	}
	if l.afterAppend != nil {
		l.afterAppend(entry)
	}
	return nil
}

func (l *faultyLog) EntriesAfter(ctx context.Context, accountID string, afterSequence int64, limit int) ([]*ledger.Entry, error) {
	entries, err := l.DurableLog.EntriesAfter(ctx, accountID, afterSequence, limit)
	if err == nil && l.tamper != nil {
		for _, e := range entries {
			l.tamper(e)
		}
	}
	return entries, err
}

func failEvent(event payment.Event) func(e *ledger.Entry) bool {
	return func(e *ledger.Entry) bool { return e.Event == string(event) }
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []payment.Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg payment.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Event)
	}
	return out
}

type recordingAlarmer struct {
	mu     sync.Mutex
	alarms []saga.Alarm
}

func (a *recordingAlarmer) Raise(_ context.Context, alarm saga.Alarm) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alarms = append(a.alarms, alarm)
	return nil
}

func (a *recordingAlarmer) raised() []saga.Alarm {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]saga.Alarm(nil), a.alarms...)
}

// hungProcessor never answers status queries
type hungProcessor struct {
	*processor.Sandbox
	statusCalls atomic.Int32
}

func (p *hungProcessor) Status(ctx context.Context, _ string) (payment.ChargeResult, error) {
	p.statusCalls.Add(1)
	<-ctx.Done()
	return payment.ChargeResult{}, payment.ErrProcessorTimeout
}

// refundOutage is a processor whose refunds always fail
type refundOutage struct {
	*processor.Sandbox
}

func (p refundOutage) Refund(context.Context, string, int64, string, string) error {
	return errors.New("processor refunds unavailable")
}

type fixture struct {
	cfg       *config.Config
	log       *faultyLog
	sagas     *memory.SagaRepository
	registry  *IdempotencyRegistry
	sandbox   *processor.Sandbox
	hung      *hungProcessor
	notifier  *recordingNotifier
	alarmer   *recordingAlarmer
	store     *LedgerStore
	workflows *PaymentWorkflows
	service   service.ProcessingService
}

// processorFault swaps the sandbox for a misbehaving processor
type processorFault int

const (
	processorHealthy processorFault = iota
	processorRefundOutage
	processorHungStatus
)

type fixtureOption func(cfg *config.Config, fault *processorFault)

func withProcessorLatency(d time.Duration) fixtureOption {
	return func(cfg *config.Config, _ *processorFault) { cfg.Processor.Latency = d }
}

func withStepTimeout(d time.Duration) fixtureOption {
	return func(cfg *config.Config, _ *processorFault) { cfg.Saga.StepTimeout = d }
}

func withWaitTimeout(d time.Duration) fixtureOption {
	return func(cfg *config.Config, _ *processorFault) { cfg.Idempotency.WaitTimeout = d }
}

func withRefundOutage() fixtureOption {
	return func(_ *config.Config, fault *processorFault) { *fault = processorRefundOutage }
}

func withHungStatus() fixtureOption {
	return func(_ *config.Config, fault *processorFault) { *fault = processorHungStatus }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := newTestLogger()
	f := &fixture{
		cfg:      newTestConfig(),
		log:      &faultyLog{DurableLog: memory.NewLedgerLog()},
		sagas:    memory.NewSagaRepository(),
		notifier: &recordingNotifier{},
		alarmer:  &recordingAlarmer{},
	}
	fault := processorHealthy
	for _, opt := range opts {
		opt(f.cfg, &fault)
	}

	f.registry = NewIdempotencyRegistry(memory.NewIdempotencyRepository(), f.cfg.Idempotency, logger)
	f.sandbox = processor.NewSandbox(logger, f.cfg.Processor)
	deps := Dependencies{
		Ledger:    f.log,
		Sagas:     f.sagas,
		Registry:  f.registry,
		Processor: f.sandbox,
		Notifier:  f.notifier,
		Alarmer:   f.alarmer,
	}
	switch fault {
	case processorRefundOutage:
		deps.Processor = refundOutage{f.sandbox}
	case processorHungStatus:
		f.hung = &hungProcessor{Sandbox: f.sandbox}
		deps.Processor = f.hung
	}

	f.store = NewLedgerStore(f.log, f.cfg.Ledger, logger)
	f.workflows = CreatePaymentWorkflows(deps, logger, f.cfg)
	f.service = service.NewProcessingService(f.registry, f.workflows, NewPolicy(f.cfg.Payment), logger)
	return f
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.store.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return b
}
