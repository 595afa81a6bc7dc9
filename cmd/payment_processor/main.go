package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/data"
	"github.com/innoscripta-payment-ledger/internal/logger"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/consumer"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/recovery_poller"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/service"
	"github.com/innoscripta-payment-ledger/internal/platform/messaging/consumers"
	"github.com/innoscripta-payment-ledger/internal/platform/messaging/producers"
	"github.com/innoscripta-payment-ledger/internal/platform/processor"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("payment_processor")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	log.Info("Starting Payment Processor",
		"app_name", cfg.Application.Name,
		"env", cfg.Application.Env,
		"storage_backend", cfg.Storage.Backend,
	)

	stores, err := data.Open(appCtx, log, cfg)
	if err != nil {
		log.Error("Failed to initialize storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	notifier, err := producers.NewNotificationProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize notification producer", "error", err)
		os.Exit(1)
	}

	alarmer, err := producers.NewAlarmProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize alarm producer", "error", err)
		os.Exit(1)
	}

	dlqProducer, err := producers.NewDLQProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize DLQ Kafka producer", "error", err)
		os.Exit(1)
	}
	// the handler checks for a nil interface, not a nil *DLQProducer
	var deadLetters producers.DeadLetterPublisher
	if dlqProducer != nil {
		deadLetters = dlqProducer
	}

	registry := components.NewIdempotencyRegistry(stores.Idempotency, cfg.Idempotency, log.With("component", "idempotency_registry"))
	deps := components.Dependencies{
		Ledger:    stores.Ledger,
		Sagas:     stores.Sagas,
		Registry:  registry,
		Processor: processor.NewSandbox(log.With("component", "sandbox_processor"), cfg.Processor),
		Notifier:  notifier,
		Alarmer:   alarmer,
	}
	processingService := components.CreateProcessingService(deps, log, cfg)

	paymentEventHandler := consumer.NewPaymentEventHandler(log, processingService, deadLetters)
	kafkaConsumer := consumers.NewKafkaConsumer(appCtx, log, &cfg.Kafka)

	poller := recovery_poller.NewPoller(
		cfg.Saga,
		cfg.Idempotency,
		stores.Sagas,
		processingService,
		registry,
		alarmer,
		log.With("component", "recovery_poller"),
	)

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Starting Kafka consumer",
			"topic", cfg.Kafka.PaymentTopic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		if err := kafkaConsumer.Subscribe(appCtx, paymentEventHandler.HandleMessage); err != nil {
			errChan <- fmt.Errorf("kafka consumer error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Start(appCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serviceErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Service error occurred", "error", err)
		serviceErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// Close the consumer first so no new work reaches the pool
	if err = kafkaConsumer.Close(); err != nil {
		log.Error("Error closing Kafka consumer", "error", err)
	}

	if wpService, ok := processingService.(*service.WorkerPoolProcessingService); ok {
		log.Info("Shutting down worker pool", "running_workers", wpService.Running())
		wpService.Shutdown()
	}

	log.Info("Waiting for services to stop...")
	wgChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(wgChan)
	}()

	select {
	case <-wgChan:
		log.Info("All services stopped successfully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout reached, forcing exit")
	}

	for name, closer := range map[string]interface{ Close() error }{
		"notification producer": notifier,
		"alarm producer":        alarmer,
	} {
		if closeErr := closer.Close(); closeErr != nil {
			log.Error("Error closing Kafka producer", "producer", name, "error", closeErr)
		}
	}
	if dlqProducer != nil {
		if closeErr := dlqProducer.Close(); closeErr != nil {
			log.Error("Error closing DLQ Kafka producer", "error", closeErr)
		}
	}

	stores.Close(shutdownCtx)

	if serviceErr != nil {
		log.Error("Payment Processor shutdown with errors", "error", serviceErr)
	}
	if err != nil {
		log.Error("Payment Processor shutdown completed with errors")
	} else {
		log.Info("Payment Processor shutdown completed successfully")
	}
}
