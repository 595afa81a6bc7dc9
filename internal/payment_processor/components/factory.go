package components

import (
	"log/slog"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/orchestrator"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/service"
)

// Dependencies are the stores and adapters the payment pipeline runs on
type Dependencies struct {
	Ledger    ledger.DurableLog
	Sagas     saga.Repository
	Registry  *IdempotencyRegistry
	Processor payment.Processor
	Notifier  payment.Notifier
	Alarmer   saga.Alarmer
}

// NewPolicy returns the payment policy described by cfg
func NewPolicy(cfg config.PaymentConfig) payment.Policy {
	return payment.Policy{
		MinAmount:           cfg.MinAmount,
		MaxAmount:           cfg.MaxAmount,
		AllowedCurrencies:   cfg.AllowedCurrencies,
		SettlementAccountID: cfg.SettlementAccountID,
	}
}

// CreatePaymentWorkflows wires the ledger, state machine and orchestrator into the payment sagas.
func CreatePaymentWorkflows(deps Dependencies, logger *slog.Logger, cfg *config.Config) *PaymentWorkflows {
	store := NewLedgerStore(deps.Ledger, cfg.Ledger, logger.With("component", "ledger_store"))
	machine := NewPaymentStateMachine(store, logger.With("component", "state_machine"))
	orch := orchestrator.New(deps.Sagas, deps.Registry, deps.Alarmer, cfg.Saga, logger.With("component", "orchestrator"))

	return NewPaymentWorkflows(orch, machine, store, deps.Processor, deps.Notifier, deps.Sagas, logger.With("component", "workflows"))
}

// CreatePaymentReader builds the read path used by the gateway, which never runs sagas
func CreatePaymentReader(deps Dependencies, logger *slog.Logger, cfg *config.Config) (*PaymentReader, *LedgerStore) {
	store := NewLedgerStore(deps.Ledger, cfg.Ledger, logger.With("component", "ledger_store"))
	machine := NewPaymentStateMachine(store, logger.With("component", "state_machine"))
	return NewPaymentReader(machine, deps.Sagas), store
}

// CreateProcessingService creates a new ProcessingService with all its dependencies.
func CreateProcessingService(deps Dependencies, logger *slog.Logger, cfg *config.Config) service.ProcessingService {
	workflows := CreatePaymentWorkflows(deps, logger, cfg)
	baseService := service.NewProcessingService(deps.Registry, workflows, NewPolicy(cfg.Payment), logger)

	workerPoolService, err := service.NewWorkerPoolProcessingService(
		baseService,
		service.WorkerPoolConfig{
			Size: cfg.WorkerPool.Size,
		},
		logger.With("component", "worker_pool"),
	)
	if err != nil {
		logger.Error("Failed to create worker pool service, falling back to base service", "error", err)
		return baseService
	}

	logger.Info("Created worker pool processing service", "pool_size", cfg.WorkerPool.Size)
	return workerPoolService
}
