package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

// SagaCollectionName is the name of the saga execution collection in MongoDB
const SagaCollectionName = "saga_executions"

// SagaRepository implements saga.Repository for MongoDB
type SagaRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewSagaRepository creates a new MongoDB saga execution repository
func NewSagaRepository(logger *slog.Logger, db *mongo.Database) saga.Repository {
	return &SagaRepository{
		db:     db,
		logger: logger,
	}
}

func (r *SagaRepository) Get(ctx context.Context, sagaID uuid.UUID) (*saga.Execution, error) {
	collection := r.db.Collection(SagaCollectionName)

	var model sagaExecutionModel
	err := collection.FindOne(ctx, bson.M{"_id": sagaID.String()}).Decode(&model)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, saga.ErrExecutionNotFound{SagaID: sagaID}
		}
		r.logger.Error("Failed to get saga execution", "saga_id", sagaID.String(), "error", err)
		return nil, fmt.Errorf("failed to get saga execution: %w", err)
	}

	return fromSagaModel(&model)
}

// Save inserts a new execution or replaces the stored one guarded by its version
func (r *SagaRepository) Save(ctx context.Context, exec *saga.Execution) error {
	collection := r.db.Collection(SagaCollectionName)

	model := toSagaModel(exec)
	model.Version = exec.Version + 1

	if exec.Version == 0 {
		if _, err := collection.InsertOne(ctx, model); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return saga.ErrVersionConflict{SagaID: exec.SagaID, Version: exec.Version}
			}
			r.logger.Error("Failed to create saga execution", "saga_id", exec.SagaID.String(), "error", err)
			return fmt.Errorf("failed to create saga execution: %w", err)
		}
		exec.Version = model.Version
		return nil
	}

	filter := bson.M{"_id": model.ID, "version": exec.Version}
	result, err := collection.ReplaceOne(ctx, filter, model)
	if err != nil {
		r.logger.Error("Failed to save saga execution",
			"saga_id", exec.SagaID.String(),
			"version", exec.Version,
			"error", err)
		return fmt.Errorf("failed to save saga execution: %w", err)
	}
	if result.MatchedCount == 0 {
		return saga.ErrVersionConflict{SagaID: exec.SagaID, Version: exec.Version}
	}

	exec.Version = model.Version
	return nil
}

// ListStale returns running or compensating executions idle since before, oldest first
func (r *SagaRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*saga.Execution, error) {
	collection := r.db.Collection(SagaCollectionName)

	filter := bson.M{
		"status":     bson.M{"$in": bson.A{string(saga.StatusRunning), string(saga.StatusCompensating)}},
		"updated_at": bson.M{"$lt": before},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to list stale saga executions", "error", err)
		return nil, fmt.Errorf("failed to list stale saga executions: %w", err)
	}
	defer cursor.Close(ctx)

	var models []*sagaExecutionModel
	if err := cursor.All(ctx, &models); err != nil {
		r.logger.Error("Failed to decode saga executions", "error", err)
		return nil, fmt.Errorf("failed to decode saga executions: %w", err)
	}

	executions := make([]*saga.Execution, 0, len(models))
	for _, m := range models {
		exec, err := fromSagaModel(m)
		if err != nil {
			r.logger.Warn("Skipping saga execution with malformed id", "id", m.ID, "error", err)
			continue
		}
		executions = append(executions, exec)
	}
	return executions, nil
}
