package producers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/innoscripta-payment-ledger/internal/config"
)

// PaymentRequestProducer publishes accepted payment requests keyed by their
// idempotency key, so retries of one request land on the same partition.
type PaymentRequestProducer struct {
	topicWriter
}

// NewPaymentRequestProducer ensures the request topic exists and opens a writer
func NewPaymentRequestProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*PaymentRequestProducer, error) {
	if cfg.PaymentTopic == "" {
		return nil, fmt.Errorf("kafka payment topic is not configured")
	}
	if err := ensureTopic(ctx, cfg, cfg.PaymentTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure payment topic %s exists: %w", cfg.PaymentTopic, err)
	}

	return &PaymentRequestProducer{topicWriter{
		logger: logger,
		writer: newSyncWriter(cfg, cfg.PaymentTopic),
		topic:  cfg.PaymentTopic,
	}}, nil
}

func (p *PaymentRequestProducer) Publish(ctx context.Context, key string, value any) error {
	return p.publishJSON(ctx, key, value)
}
