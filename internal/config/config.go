// Package config provides configuration structures and validation for both
// binaries. Values come from configs/<name>.env, the environment and defaults.
package config

import (
	"errors"
	"strings"
	"time"
)

const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Config holds the complete application configuration with settings for all components.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Kafka       KafkaConfig
	Storage     StorageConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	WorkerPool  WorkerPoolConfig
	Ledger      LedgerConfig
	Idempotency IdempotencyConfig
	Saga        SagaConfig
	Payment     PaymentConfig
	Processor   ProcessorConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers           string
	PaymentTopic      string
	NotificationTopic string
	AlarmTopic        string
	DLQTopic          string
	NumPartitions     int
	ReplicationFactor int
	ConsumerGroup     string
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	StartOffset       int64
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend string // postgres or memory
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int
}

// LedgerConfig bounds the retry of durable appends
type LedgerConfig struct {
	AppendMaxAttempts    int
	AppendInitialBackoff time.Duration
	AppendMaxBackoff     time.Duration
}

// IdempotencyConfig contains idempotency key retention and lease settings
type IdempotencyConfig struct {
	RetentionWindow time.Duration // how long a finished key is replayed
	InFlightTimeout time.Duration // lease after which a crashed claim may be taken over
	WaitTimeout     time.Duration // how long a duplicate waits for the live claim
	PollInterval    time.Duration
	SweepInterval   time.Duration
}

// SagaConfig contains orchestrator and recovery settings
type SagaConfig struct {
	StepTimeout                time.Duration
	CompensationMaxAttempts    int
	CompensationInitialBackoff time.Duration
	CompensationMaxBackoff     time.Duration
	RecoveryInterval           time.Duration
	RecoveryBatchSize          int
	StaleAfter                 time.Duration
	RecoveryMaxAttempts        int
}

// PaymentConfig is the business policy applied to requests
type PaymentConfig struct {
	MinAmount           int64
	MaxAmount           int64
	AllowedCurrencies   []string
	SettlementAccountID string
}

// ProcessorConfig configures the sandbox payment processor
type ProcessorConfig struct {
	DeclineAbove int64 // charges above this amount are declined, 0 disables
	Latency      time.Duration
}

// validate performs comprehensive validation of all configuration values,
// ensuring they meet minimum requirements and logical constraints
func (c *Config) validate() error {
	var validationErrors []string
	require := func(ok bool, msg string) {
		if !ok {
			validationErrors = append(validationErrors, msg)
		}
	}

	require(c.Server.Port > 0, "SERVER_PORT must be greater than 0")
	require(c.Server.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	require(c.Server.ReadTimeout > 0, "SERVER_READ_TIMEOUT must be greater than 0")
	require(c.Server.WriteTimeout > 0, "SERVER_WRITE_TIMEOUT must be greater than 0")
	require(c.Server.IdleTimeout > 0, "SERVER_IDLE_TIMEOUT must be greater than 0")

	require(len(c.Kafka.Brokers) > 0, "KAFKA_BROKERS is required")
	require(c.Kafka.PaymentTopic != "", "KAFKA_PAYMENT_TOPIC is required")
	require(c.Kafka.NotificationTopic != "", "KAFKA_NOTIFICATION_TOPIC is required")
	require(c.Kafka.AlarmTopic != "", "KAFKA_ALARM_TOPIC is required")
	require(c.Kafka.DLQTopic != "", "KAFKA_DLQ_TOPIC is required")
	require(c.Kafka.ConsumerGroup != "", "KAFKA_CONSUMER_GROUP is required")
	require(c.Kafka.MinBytes > 0, "KAFKA_CONSUMER_MIN_BYTES must be greater than 0")
	require(c.Kafka.MaxBytes > 0, "KAFKA_CONSUMER_MAX_BYTES must be greater than 0")
	require(c.Kafka.MaxWait > 0, "KAFKA_CONSUMER_MAX_WAIT must be greater than 0")

	switch c.Storage.Backend {
	case StorageBackendPostgres:
		require(c.Postgres.URL != "", "POSTGRES_URL is required")
		require(c.Postgres.MaxConns > 0, "POSTGRES_MAX_CONNS must be greater than 0")
		require(c.Postgres.MinConns > 0, "POSTGRES_MIN_CONNS must be greater than 0")
		require(c.Postgres.ConnMaxLifetime > 0, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
		require(c.Postgres.ConnMaxIdleTime > 0, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
		require(c.MongoDB.URI != "", "MONGO_URI is required")
		require(c.MongoDB.Database != "", "MONGO_DATABASE is required")
		require(c.MongoDB.Timeout > 0, "MONGO_TIMEOUT must be greater than 0")
		require(c.MongoDB.MaxPoolSize > 0, "MONGO_MAX_POOL_SIZE must be greater than 0")
		require(c.MongoDB.MaxConnIdleTime > 0, "MONGO_MAX_CONN_IDLE_TIME must be greater than 0")
	case StorageBackendMemory:
	default:
		validationErrors = append(validationErrors, "STORAGE_BACKEND must be postgres or memory")
	}

	require(c.WorkerPool.Size > 0, "WORKER_POOL_SIZE must be greater than 0")

	require(c.Ledger.AppendMaxAttempts > 0, "LEDGER_APPEND_MAX_ATTEMPTS must be greater than 0")
	require(c.Ledger.AppendInitialBackoff > 0, "LEDGER_APPEND_INITIAL_BACKOFF must be greater than 0")
	require(c.Ledger.AppendMaxBackoff >= c.Ledger.AppendInitialBackoff, "LEDGER_APPEND_MAX_BACKOFF must not be below LEDGER_APPEND_INITIAL_BACKOFF")

	require(c.Idempotency.RetentionWindow > 0, "IDEMPOTENCY_RETENTION_WINDOW must be greater than 0")
	require(c.Idempotency.InFlightTimeout > 0, "IDEMPOTENCY_IN_FLIGHT_TIMEOUT must be greater than 0")
	require(c.Idempotency.InFlightTimeout < c.Idempotency.RetentionWindow, "IDEMPOTENCY_IN_FLIGHT_TIMEOUT must be shorter than IDEMPOTENCY_RETENTION_WINDOW")
	require(c.Idempotency.WaitTimeout >= 0, "IDEMPOTENCY_WAIT_TIMEOUT must not be negative")
	require(c.Idempotency.PollInterval > 0, "IDEMPOTENCY_POLL_INTERVAL must be greater than 0")
	require(c.Idempotency.SweepInterval > 0, "IDEMPOTENCY_SWEEP_INTERVAL must be greater than 0")

	require(c.Saga.StepTimeout > 0, "SAGA_STEP_TIMEOUT must be greater than 0")
	require(c.Saga.CompensationMaxAttempts > 0, "SAGA_COMPENSATION_MAX_ATTEMPTS must be greater than 0")
	require(c.Saga.CompensationInitialBackoff > 0, "SAGA_COMPENSATION_INITIAL_BACKOFF must be greater than 0")
	require(c.Saga.CompensationMaxBackoff >= c.Saga.CompensationInitialBackoff, "SAGA_COMPENSATION_MAX_BACKOFF must not be below SAGA_COMPENSATION_INITIAL_BACKOFF")
	require(c.Saga.RecoveryInterval > 0, "SAGA_RECOVERY_INTERVAL must be greater than 0")
	require(c.Saga.RecoveryBatchSize > 0, "SAGA_RECOVERY_BATCH_SIZE must be greater than 0")
	require(c.Saga.StaleAfter > c.Saga.StepTimeout, "SAGA_RECOVERY_STALE_AFTER must be longer than SAGA_STEP_TIMEOUT")
	require(c.Saga.RecoveryMaxAttempts > 0, "SAGA_RECOVERY_MAX_ATTEMPTS must be greater than 0")

	require(c.Payment.MinAmount > 0, "PAYMENT_MIN_AMOUNT must be greater than 0")
	require(c.Payment.MaxAmount == 0 || c.Payment.MaxAmount >= c.Payment.MinAmount, "PAYMENT_MAX_AMOUNT must not be below PAYMENT_MIN_AMOUNT")
	for _, cur := range c.Payment.AllowedCurrencies {
		require(len(cur) == 3, "PAYMENT_ALLOWED_CURRENCIES must hold 3-letter codes, got "+cur)
	}

	require(c.Processor.DeclineAbove >= 0, "PROCESSOR_DECLINE_ABOVE must not be negative")
	require(c.Processor.Latency >= 0, "PROCESSOR_LATENCY must not be negative")

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
