// Package data opens the storage backend selected by STORAGE_BACKEND.
package data

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/data/memory"
	"github.com/innoscripta-payment-ledger/internal/data/mongo"
	"github.com/innoscripta-payment-ledger/internal/data/postgres"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/platform/persistence"
)

// Stores are the three durable stores of the payment pipeline
type Stores struct {
	Ledger      ledger.DurableLog
	Idempotency idempotency.Repository
	Sagas       saga.Repository

	postgresDB *persistence.PostgresDB
	mongoDB    *persistence.MongoDB
	logger     *slog.Logger
}

// Open connects to Postgres (ledger, idempotency keys) and MongoDB (sagas), or
// builds process-local memory stores.
func Open(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*Stores, error) {
	if cfg.Storage.Backend == config.StorageBackendMemory {
		logger.Warn("Using in-memory storage; state is lost on exit and not shared between processes")
		return &Stores{
			Ledger:      memory.NewLedgerLog(),
			Idempotency: memory.NewIdempotencyRepository(),
			Sagas:       memory.NewSagaRepository(),
			logger:      logger,
		}, nil
	}

	postgresDB, err := persistence.NewPostgresDB(ctx, logger, &cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	mongoDB, err := persistence.NewMongoDB(ctx, logger, &cfg.MongoDB)
	if err != nil {
		postgresDB.Close()
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	return &Stores{
		Ledger:      postgres.NewLedgerLog(logger, postgresDB),
		Idempotency: postgres.NewIdempotencyRepository(logger, postgresDB),
		Sagas:       mongo.NewSagaRepository(logger, mongoDB.Database()),
		postgresDB:  postgresDB,
		mongoDB:     mongoDB,
		logger:      logger,
	}, nil
}

// Close releases the database connections
func (s *Stores) Close(ctx context.Context) {
	if s.postgresDB != nil {
		s.postgresDB.Close()
	}
	if s.mongoDB != nil {
		if err := s.mongoDB.Close(ctx); err != nil {
			s.logger.Error("Error closing MongoDB connection", "error", err)
		}
	}
}
