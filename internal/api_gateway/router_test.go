package api_gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innoscripta-payment-ledger/internal/api_gateway/middleware"
	"github.com/innoscripta-payment-ledger/internal/api_gateway/service"
	"github.com/innoscripta-payment-ledger/internal/config"
	"github.com/innoscripta-payment-ledger/internal/data/memory"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
	"github.com/innoscripta-payment-ledger/internal/platform/processor"
)

// inlinePublisher processes published requests synchronously
type inlinePublisher struct {
	process func(ctx context.Context, req *shared.PaymentRequest)
}

func (p inlinePublisher) Publish(ctx context.Context, _ string, value any) error {
	p.process(ctx, value.(*shared.PaymentRequest))
	return nil
}

func (inlinePublisher) Close() error { return nil }

type discardNotifier struct{}

func (discardNotifier) Send(context.Context, payment.Notification) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Server:      config.ServerConfig{Port: 8080, ShutdownTimeout: time.Second, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second},
		WorkerPool:  config.WorkerPoolConfig{Size: 2},
		Ledger:      config.LedgerConfig{AppendMaxAttempts: 3, AppendInitialBackoff: time.Millisecond, AppendMaxBackoff: time.Millisecond},
		Idempotency: config.IdempotencyConfig{RetentionWindow: time.Hour, InFlightTimeout: time.Minute, WaitTimeout: 100 * time.Millisecond, PollInterval: time.Millisecond},
		Saga:        config.SagaConfig{StepTimeout: time.Second, CompensationMaxAttempts: 2, CompensationInitialBackoff: time.Millisecond, CompensationMaxBackoff: time.Millisecond},
		Payment:     config.PaymentConfig{MinAmount: 1, AllowedCurrencies: []string{"EUR"}, SettlementAccountID: "merchant"},
	}

	registry := components.NewIdempotencyRegistry(memory.NewIdempotencyRepository(), cfg.Idempotency, logger)
	deps := components.Dependencies{
		Ledger:    memory.NewLedgerLog(),
		Sagas:     memory.NewSagaRepository(),
		Registry:  registry,
		Processor: processor.NewSandbox(logger, cfg.Processor),
		Notifier:  discardNotifier{},
	}
	processing := components.CreateProcessingService(deps, logger, cfg)
	t.Cleanup(func() {
		if pool, ok := processing.(interface{ Shutdown() }); ok {
			pool.Shutdown()
		}
	})

	reader, store := components.CreatePaymentReader(deps, logger, cfg)
	publisher := inlinePublisher{process: func(ctx context.Context, req *shared.PaymentRequest) {
		_, err := processing.ProcessPayment(ctx, req)
		require.NoError(t, err)
	}}

	paymentService := service.NewPaymentService(logger, registry, reader, publisher, components.NewPolicy(cfg.Payment), cfg.Idempotency)
	return NewServer(logger, cfg, service.NewAccountService(store), paymentService)
}

func serve(s *Server, method, path, key string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	s.httpRouter.ServeHTTP(rr, req)
	return rr
}

func TestRouter_PaymentLifecycle(t *testing.T) {
	s := newTestServer(t)
	charge := []byte(`{"order_id":"order-1","payer_account_id":"alice","amount":2500,"currency":"eur"}`)

	rr := serve(s, http.MethodPost, "/api/v1/payments", "", charge)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "the key header is required")

	rr = serve(s, http.MethodPost, "/api/v1/payments", "k1", charge)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(middleware.CorrelationIDHeader))

	rr = serve(s, http.MethodPost, "/api/v1/payments", "k1", charge)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "true", rr.Header().Get("Idempotent-Replayed"))
	assert.Contains(t, rr.Body.String(), `"status":"SETTLED"`)

	rr = serve(s, http.MethodPost, "/api/v1/payments", "k1", []byte(`{"order_id":"order-1","payer_account_id":"alice","amount":9999,"currency":"EUR"}`))
	assert.Equal(t, http.StatusConflict, rr.Code)

	paymentID := shared.PaymentIDForKey("k1").String()
	rr = serve(s, http.MethodGet, "/api/v1/payments/"+paymentID, "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state":"SETTLED"`)

	rr = serve(s, http.MethodGet, "/api/v1/accounts/alice/balance", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":-2500`)

	rr = serve(s, http.MethodPost, "/api/v1/payments/"+paymentID+"/reversals", "r1", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = serve(s, http.MethodGet, "/api/v1/accounts/merchant/balance", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":0`)

	rr = serve(s, http.MethodGet, "/api/v1/accounts/alice/verify", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"valid":true`)

	rr = serve(s, http.MethodGet, "/api/v1/accounts/alice/entries?page=1&per_page=2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_items"`)
}

func TestRouter_HealthAndUnknownPayment(t *testing.T) {
	s := newTestServer(t)

	rr := serve(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(s, http.MethodGet, "/api/v1/payments/"+shared.PaymentIDForKey("nope").String(), "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(s, http.MethodPost, "/api/v1/payments/"+shared.PaymentIDForKey("nope").String()+"/reversals", "r1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(s, http.MethodGet, "/api/v1/accounts/nobody/balance", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
