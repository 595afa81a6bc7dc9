package producers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
)

// AlarmProducer is a saga.Alarmer. Every alarm is logged at error level
// before it is published, so a broker outage never hides one.
type AlarmProducer struct {
	topicWriter
}

func NewAlarmProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*AlarmProducer, error) {
	if cfg.AlarmTopic == "" {
		return nil, fmt.Errorf("kafka alarm topic is not configured")
	}
	if err := ensureTopic(ctx, cfg, cfg.AlarmTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure alarm topic %s exists: %w", cfg.AlarmTopic, err)
	}

	return &AlarmProducer{topicWriter{
		logger: logger,
		writer: newSyncWriter(cfg, cfg.AlarmTopic),
		topic:  cfg.AlarmTopic,
	}}, nil
}

func (p *AlarmProducer) Raise(ctx context.Context, alarm saga.Alarm) error {
	p.logger.Error("Saga alarm raised",
		"kind", alarm.Kind,
		"saga_id", alarm.SagaID,
		"definition", alarm.Definition,
		"idempotency_key", alarm.IdempotencyKey,
		"steps", alarm.Steps,
		"error", alarm.Error,
	)
	return p.publishJSON(ctx, alarm.SagaID.String(), alarm,
		kafka.Header{Key: "alarm-kind", Value: []byte(alarm.Kind)},
	)
}
