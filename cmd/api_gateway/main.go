package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/innoscripta-payment-ledger/internal/api_gateway"
	"github.com/innoscripta-payment-ledger/internal/api_gateway/service"
	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/data"
	"github.com/innoscripta-payment-ledger/internal/logger"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
	"github.com/innoscripta-payment-ledger/internal/platform/messaging/producers"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("api_gateway")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	stores, err := data.Open(appCtx, log, cfg)
	if err != nil {
		log.Error("Failed to initialize storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	// Publishes accepted requests to the payment topic
	kafkaProducer, err := producers.NewPaymentRequestProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize API Gateway Kafka producer", "error", err)
		os.Exit(1)
	}

	deps := components.Dependencies{
		Ledger:   stores.Ledger,
		Sagas:    stores.Sagas,
		Registry: components.NewIdempotencyRegistry(stores.Idempotency, cfg.Idempotency, log.With("component", "idempotency_registry")),
	}
	reader, ledgerStore := components.CreatePaymentReader(deps, log, cfg)

	accountService := service.NewAccountService(ledgerStore)
	paymentService := service.NewPaymentService(log, deps.Registry, reader, kafkaProducer, components.NewPolicy(cfg.Payment), cfg.Idempotency)

	server := api_gateway.NewServer(log, cfg, accountService, paymentService)
	log.Info("REST server initialized")

	errChan := make(chan error, 1)

	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	cancelAppCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	log.Info("Starting graceful shutdown...")

	// Stop accepting requests before the stores go away
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	if closeErr := kafkaProducer.Close(); closeErr != nil {
		log.Error("Error closing Kafka producer", "error", closeErr)
	}

	stores.Close(shutdownCtx)

	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	}
	if err != nil {
		log.Error("Server shutdown completed with errors")
	} else {
		log.Info("Server shutdown completed successfully")
	}
}
