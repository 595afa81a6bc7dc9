package recovery_poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

// StaleSagaLister finds executions abandoned by a crashed or interrupted run
type StaleSagaLister interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]*saga.Execution, error)
}

// SagaResumer drives an execution to a terminal state
type SagaResumer interface {
	ResumeSaga(ctx context.Context, exec *saga.Execution) (*payment.Outcome, error)
}

// KeySweeper drops idempotency records past their retention window
type KeySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Poller resumes stale sagas and sweeps expired idempotency keys
type Poller struct {
	sagas            StaleSagaLister
	resumer          SagaResumer
	sweeper          KeySweeper
	alarmer          saga.Alarmer
	logger           *slog.Logger
	pollInterval     time.Duration
	sweepInterval    time.Duration
	staleAfter       time.Duration
	batchSize        int
	maxRecoveryRuns  int
	now              func() time.Time
	alarmedAtVersion map[uuid.UUID]int
}

func NewPoller(
	sagaCfg config.SagaConfig,
	idemCfg config.IdempotencyConfig,
	sagas StaleSagaLister,
	resumer SagaResumer,
	sweeper KeySweeper,
	alarmer saga.Alarmer,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		sagas:            sagas,
		resumer:          resumer,
		sweeper:          sweeper,
		alarmer:          alarmer,
		logger:           logger,
		pollInterval:     sagaCfg.RecoveryInterval,
		sweepInterval:    idemCfg.SweepInterval,
		staleAfter:       sagaCfg.StaleAfter,
		batchSize:        sagaCfg.RecoveryBatchSize,
		maxRecoveryRuns:  sagaCfg.RecoveryMaxAttempts,
		now:              time.Now,
		alarmedAtVersion: make(map[uuid.UUID]int),
	}
}

// Start begins polling until context is canceled
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Starting Recovery Poller",
		"poll_interval", p.pollInterval.String(),
		"sweep_interval", p.sweepInterval.String(),
		"stale_after", p.staleAfter.String(),
		"batch_size", p.batchSize,
		"max_recovery_runs", p.maxRecoveryRuns,
	)
	recoverTicker := time.NewTicker(p.pollInterval)
	defer recoverTicker.Stop()
	sweepTicker := time.NewTicker(p.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Recovery Poller stopping due to context cancellation.")
			return
		case <-recoverTicker.C:
			if err := p.recoverStaleSagas(ctx); err != nil {
				p.logger.Error("Error during recovery of stale sagas", "error", err)
			}
		case <-sweepTicker.C:
			if err := p.sweepExpiredKeys(ctx); err != nil {
				p.logger.Error("Error during idempotency key sweep", "error", err)
			}
		}
	}
}

func (p *Poller) recoverStaleSagas(ctx context.Context) error {
	execs, err := p.sagas.ListStale(ctx, p.now().Add(-p.staleAfter), p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale sagas: %w", err)
	}
	if len(execs) == 0 {
		p.logger.Debug("No stale sagas found.")
		return nil
	}

	p.logger.Info("Fetched stale sagas", "count", len(execs))

	for _, exec := range execs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := p.logger.With(
			"saga_id", exec.SagaID.String(),
			"definition", exec.Definition,
			"idempotency_key", exec.IdempotencyKey,
			"runs", exec.Runs,
		)
		if correlationID := exec.Data["correlation_id"]; correlationID != "" {
			logger = logger.With("correlation_id", correlationID)
		}

		if exec.Runs >= p.maxRecoveryRuns {
			p.escalate(ctx, logger, exec)
			continue
		}

		outcome, err := p.resumer.ResumeSaga(ctx, exec)
		if err != nil {
			logger.Error("Failed to resume stale saga", "error", err)
			continue
		}
		logger.Info("Resumed stale saga", "status", outcome.Status, "state", outcome.State)
	}
	return nil
}

// escalate raises one alarm per stuck version of an execution
func (p *Poller) escalate(ctx context.Context, logger *slog.Logger, exec *saga.Execution) {
	if v, ok := p.alarmedAtVersion[exec.SagaID]; ok && v == exec.Version {
		return
	}

	logger.Error("Saga exceeded recovery attempts, escalating to operator", "status", exec.Status)
	alarm := saga.Alarm{
		Kind:           saga.AlarmRecoveryExhausted,
		SagaID:         exec.SagaID,
		Definition:     exec.Definition,
		IdempotencyKey: exec.IdempotencyKey,
		Error:          fmt.Sprintf("saga still %s after %d runs", exec.Status, exec.Runs),
		RaisedAt:       p.now().UTC(),
	}
	for _, step := range exec.Steps {
		if step.Status == saga.StepInFlight || step.Status == saga.StepCompensating {
			alarm.Steps = append(alarm.Steps, step.Name)
		}
	}
	if err := p.alarmer.Raise(ctx, alarm); err != nil {
		logger.Error("Failed to raise recovery alarm", "error", err)
		return
	}
	p.alarmedAtVersion[exec.SagaID] = exec.Version
}

func (p *Poller) sweepExpiredKeys(ctx context.Context) error {
	n, err := p.sweeper.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep expired idempotency keys: %w", err)
	}
	if n > 0 {
		p.logger.Info("Swept expired idempotency keys", "count", n)
	}
	return nil
}
