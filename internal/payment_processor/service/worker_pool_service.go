package service

import (
	"context"
	"log/slog"

	"github.com/panjf2000/ants/v2"

	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
)

// WorkerPoolProcessingService implements the ProcessingService interface
// bounding the number of sagas running at once.
type WorkerPoolProcessingService struct {
	baseService ProcessingService
	pool        *ants.Pool
	logger      *slog.Logger
}

type WorkerPoolConfig struct {
	Size int
}

type result struct {
	outcome *payment.Outcome
	err     error
}

func NewWorkerPoolProcessingService(
	baseService ProcessingService,
	config WorkerPoolConfig,
	logger *slog.Logger,
) (*WorkerPoolProcessingService, error) {
	pool, err := ants.NewPool(config.Size)
	if err != nil {
		return nil, err
	}

	return &WorkerPoolProcessingService{
		baseService: baseService,
		pool:        pool,
		logger:      logger,
	}, nil
}

// ProcessPayment submits a payment request to the worker pool and waits for its outcome.
func (s *WorkerPoolProcessingService) ProcessPayment(ctx context.Context, request *shared.PaymentRequest) (*payment.Outcome, error) {
	logger := s.logger
	if request.CorrelationID != "" {
		logger = s.logger.With("correlation_id", request.CorrelationID)
	}
	logger.Info("Submitting payment to worker pool", "idempotency_key", request.IdempotencyKey, "operation", request.Operation)

	// Create a copy of the request to avoid data races
	requestCopy := *request
	return s.submit(logger, func() (*payment.Outcome, error) {
		return s.baseService.ProcessPayment(ctx, &requestCopy)
	})
}

// ResumeSaga submits a saga resumption to the worker pool.
func (s *WorkerPoolProcessingService) ResumeSaga(ctx context.Context, exec *saga.Execution) (*payment.Outcome, error) {
	logger := s.logger.With("saga_id", exec.SagaID)
	return s.submit(logger, func() (*payment.Outcome, error) {
		return s.baseService.ResumeSaga(ctx, exec)
	})
}

func (s *WorkerPoolProcessingService) submit(logger *slog.Logger, task func() (*payment.Outcome, error)) (*payment.Outcome, error) {
	resultChan := make(chan result, 1)

	err := s.pool.Submit(func() {
		outcome, err := task()
		resultChan <- result{outcome: outcome, err: err}
	})
	if err != nil {
		logger.Error("Failed to submit task to worker pool", "error", err)
		return nil, err
	}

	// Wait for the result from the worker
	res := <-resultChan
	return res.outcome, res.err
}

// Shutdown gracefully shuts down the worker pool.
func (s *WorkerPoolProcessingService) Shutdown() {
	s.logger.Info("Shutting down worker pool", "running_workers", s.pool.Running())
	s.pool.Release()
}

// Running returns the number of running workers in the pool.
func (s *WorkerPoolProcessingService) Running() int {
	return s.pool.Running()
}

// Capacity returns the capacity of the worker pool.
func (s *WorkerPoolProcessingService) Capacity() int {
	return s.pool.Cap()
}
