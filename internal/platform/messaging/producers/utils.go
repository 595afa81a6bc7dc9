package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/innoscripta-payment-ledger/internal/config"
)

const topicProbeAttempts = 5

// ensureTopic dials the first broker and creates topic when it has no partitions
func ensureTopic(ctx context.Context, cfg *config.KafkaConfig, topic string, log *slog.Logger) error {
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers)
	if err != nil {
		return fmt.Errorf("failed to dial kafka at %s: %w", cfg.Brokers, err)
	}
	defer conn.Close()

	return createKafkaTopicIfNotExists(ctx, conn, topic, cfg.NumPartitions, cfg.ReplicationFactor, log)
}

// createKafkaTopicIfNotExists creates Kafka topic if not found, retries on partition read errors
func createKafkaTopicIfNotExists(ctx context.Context, conn *kafka.Conn, topicName string, numPartitions, replicationFactor int, log *slog.Logger) error {
	log.Info("Checking if Kafka topic exists", "topic", topicName)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	partitions, err := backoff.Retry(ctx, func() ([]kafka.Partition, error) {
		return conn.ReadPartitions(topicName)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(topicProbeAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("Failed to read partitions, retrying", "topic", topicName, "retry_in", next, "error", err)
		}),
	)
	if err == nil && len(partitions) > 0 {
		log.Info("Kafka topic already exists", "topic", topicName, "partitions", len(partitions))
		return nil
	}

	topicConfig := kafka.TopicConfig{
		Topic:             topicName,
		NumPartitions:     max(numPartitions, 1),
		ReplicationFactor: max(replicationFactor, 1),
	}
	log.Info("Creating Kafka topic", "topic", topicName, "partitions", topicConfig.NumPartitions, "last_read_error", err)
	if err := conn.CreateTopics(topicConfig); err != nil {
		return fmt.Errorf("failed to create kafka topic %s: %w", topicName, err)
	}
	return nil
}

// newSyncWriter returns a writer that blocks until the brokers acknowledge
func newSyncWriter(cfg *config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.MaxWait,
	}
}

// topicWriter publishes JSON documents to a single topic
type topicWriter struct {
	logger *slog.Logger
	writer KafkaWriter
	topic  string
}

func (w *topicWriter) publishJSON(ctx context.Context, key string, value any, headers ...kafka.Header) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message for topic %s: %w", w.topic, err)
	}

	msg := kafka.Message{Key: []byte(key), Value: payload, Headers: headers}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		w.logger.Error("Failed to publish message", "topic", w.topic, "key", key, "error", err)
		return fmt.Errorf("failed to publish message to %s: %w", w.topic, err)
	}

	w.logger.Debug("Published message", "topic", w.topic, "key", key)
	return nil
}

func (w *topicWriter) Close() error {
	w.logger.Info("Closing Kafka producer", "topic", w.topic)
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer for topic %s: %w", w.topic, err)
	}
	return nil
}
