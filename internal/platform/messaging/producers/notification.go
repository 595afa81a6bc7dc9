package producers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
)

// NotificationProducer is a payment.Notifier backed by a Kafka topic
type NotificationProducer struct {
	topicWriter
}

func NewNotificationProducer(ctx context.Context, logger *slog.Logger, cfg *config.KafkaConfig) (*NotificationProducer, error) {
	if cfg.NotificationTopic == "" {
		return nil, fmt.Errorf("kafka notification topic is not configured")
	}
	if err := ensureTopic(ctx, cfg, cfg.NotificationTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure notification topic %s exists: %w", cfg.NotificationTopic, err)
	}

	return &NotificationProducer{topicWriter{
		logger: logger,
		writer: newSyncWriter(cfg, cfg.NotificationTopic),
		topic:  cfg.NotificationTopic,
	}}, nil
}

// Send publishes n keyed by payment id. The event name travels as a header
// so subscribers can filter without decoding.
func (p *NotificationProducer) Send(ctx context.Context, n payment.Notification) error {
	if n.DisplayAmount == "" {
		n.DisplayAmount = payment.DisplayAmount(n.Amount, n.Currency)
	}
	err := p.publishJSON(ctx, n.PaymentID, n,
		kafka.Header{Key: "event", Value: []byte(n.Event)},
		kafka.Header{Key: "correlation-id", Value: []byte(n.CorrelationID)},
	)
	if err != nil {
		return payment.DeliveryError{PaymentID: n.PaymentID, Err: err}
	}
	return nil
}
