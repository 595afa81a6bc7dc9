package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, name, content string) string {
	t.Helper()
	tempDir := t.TempDir()
	configsDir := filepath.Join(tempDir, "configs")
	require.NoError(t, os.Mkdir(configsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configsDir, name+".env"), []byte(content), 0644))

	originalWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	require.NoError(t, os.Chdir(tempDir))
	return tempDir
}

func defaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func TestLoadConfig_HappyPath(t *testing.T) {
	testAppName := "TestApp"
	testPort := 9090
	testKafkaBrokers := "kafka1:9092,kafka2:9092"

	envContent := fmt.Sprintf(
		"APP_NAME=%s\nSERVER_PORT=%d\nLOG_LEVEL=debug\nKAFKA_BROKERS=%s\nPAYMENT_ALLOWED_CURRENCIES=eur, jpy\nSTORAGE_BACKEND=Memory\n",
		testAppName, testPort, testKafkaBrokers,
	)
	writeEnvFile(t, "test_happy", envContent)

	cfg, err := LoadConfig("test_happy")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, testAppName, cfg.Application.Name)
	assert.Equal(t, testPort, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, testKafkaBrokers, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"EUR", "JPY"}, cfg.Payment.AllowedCurrencies)
	assert.Equal(t, StorageBackendMemory, cfg.Storage.Backend)

	assert.Equal(t, "development", cfg.Application.Env)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "payment_requests", cfg.Kafka.PaymentTopic)
	assert.Equal(t, "payment_alarms", cfg.Kafka.AlarmTopic)
	assert.Equal(t, 10, cfg.WorkerPool.Size)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.RetentionWindow)
	assert.Equal(t, 2*time.Minute, cfg.Idempotency.InFlightTimeout)
	assert.Equal(t, 5, cfg.Saga.CompensationMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Saga.CompensationInitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Saga.CompensationMaxBackoff)

	cfgWithName, err := LoadConfigWithName("configs/test_happy")
	require.NoError(t, err)
	assert.Equal(t, testAppName, cfgWithName.Application.Name)

	cfgWithNameAndType, err := LoadConfigWithNameAndType("configs/test_happy", "env")
	require.NoError(t, err)
	assert.Equal(t, testAppName, cfgWithNameAndType.Application.Name)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	writeEnvFile(t, "test_env", "SAGA_STEP_TIMEOUT=3s\n")
	t.Setenv("SAGA_STEP_TIMEOUT", "4s")

	cfg, err := LoadConfig("test_env")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Saga.StepTimeout)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	writeEnvFile(t, "test_invalid", "SERVER_PORT=0\nSAGA_COMPENSATION_MAX_ATTEMPTS=0\nSTORAGE_BACKEND=sqlite\n")

	cfg, err := LoadConfig("test_invalid")
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SERVER_PORT must be greater than 0")
	assert.Contains(t, err.Error(), "SAGA_COMPENSATION_MAX_ATTEMPTS must be greater than 0")
	assert.Contains(t, err.Error(), "STORAGE_BACKEND must be postgres or memory")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "Defaults", mutate: func(c *Config) {}},
		{name: "MemoryBackendSkipsDatabases", mutate: func(c *Config) {
			c.Storage.Backend = StorageBackendMemory
			c.Postgres.URL = ""
			c.MongoDB.URI = ""
		}},
		{name: "PostgresNeedsURL", mutate: func(c *Config) { c.Postgres.URL = "" }, wantErr: "POSTGRES_URL is required"},
		{name: "LeaseLongerThanRetention", mutate: func(c *Config) {
			c.Idempotency.InFlightTimeout = 48 * time.Hour
		}, wantErr: "IDEMPOTENCY_IN_FLIGHT_TIMEOUT must be shorter"},
		{name: "BackoffBounds", mutate: func(c *Config) {
			c.Saga.CompensationMaxBackoff = time.Millisecond
		}, wantErr: "SAGA_COMPENSATION_MAX_BACKOFF"},
		{name: "StaleShorterThanStep", mutate: func(c *Config) {
			c.Saga.StaleAfter = time.Second
		}, wantErr: "SAGA_RECOVERY_STALE_AFTER"},
		{name: "BadCurrency", mutate: func(c *Config) {
			c.Payment.AllowedCurrencies = []string{"EURO"}
		}, wantErr: "PAYMENT_ALLOWED_CURRENCIES"},
		{name: "MaxBelowMin", mutate: func(c *Config) {
			c.Payment.MinAmount = 100
			c.Payment.MaxAmount = 10
		}, wantErr: "PAYMENT_MAX_AMOUNT"},
		{name: "MissingTopics", mutate: func(c *Config) {
			c.Kafka.PaymentTopic = ""
			c.Kafka.NotificationTopic = ""
		}, wantErr: "KAFKA_NOTIFICATION_TOPIC is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"EUR", "USD"}, splitList(" eur ,,usd"))
}
