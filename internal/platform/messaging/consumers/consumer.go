package consumers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/innoscripta-payment-ledger/internal/config"
)

const fetchRetryDelay = time.Second

type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer defines the message queue consumer interface
type Consumer interface {
	Subscribe(ctx context.Context, handler MessageHandler) error
	Close() error
}

// KafkaReader wraps kafka.Reader methods for testing
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer implements Consumer using Kafka. Offsets are committed only
// after the handler succeeds, so a crash replays the message.
type KafkaConsumer struct {
	reader  KafkaReader
	logger  *slog.Logger
	topic   string
	groupID string
	wg      sync.WaitGroup
}

func NewKafkaConsumer(_ context.Context, logger *slog.Logger, cfg *config.KafkaConfig) *KafkaConsumer {
	startOffset := cfg.StartOffset
	if startOffset == 0 {
		startOffset = kafka.FirstOffset
	}
	return &KafkaConsumer{
		logger:  logger,
		topic:   cfg.PaymentTopic,
		groupID: cfg.ConsumerGroup,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{cfg.Brokers},
			Topic:       cfg.PaymentTopic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: startOffset,
		}),
	}
}

// Subscribe starts the fetch loop in the background and returns immediately
func (c *KafkaConsumer) Subscribe(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Subscribed to Kafka topic", "topic", c.topic, "group_id", c.groupID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, handler)
	}()
	return nil
}

func (c *KafkaConsumer) consume(ctx context.Context, handler MessageHandler) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Context canceled, stopping consumer", "topic", c.topic, "group_id", c.groupID)
				return
			}
			c.logger.Error("Failed to fetch message from Kafka", "topic", c.topic, "group_id", c.groupID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		log := c.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		log.Debug("Received message from Kafka")

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			log.Error("Failed to process message, will not commit offset", "error", err)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error("Failed to commit message after successful processing", "error", err)
			continue
		}
		log.Debug("Message committed successfully")
	}
}

// Close closes the reader and waits for the fetch loop to exit
func (c *KafkaConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.wg.Wait()
	return err
}
