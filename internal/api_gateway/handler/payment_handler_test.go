package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/innoscripta-payment-ledger/internal/api_gateway/middleware"
	"github.com/innoscripta-payment-ledger/internal/api_gateway/service"
	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
	"github.com/innoscripta-payment-ledger/internal/domain/saga"
	"github.com/innoscripta-payment-ledger/internal/domain/shared"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
)

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) SubmitPayment(ctx context.Context, request *shared.PaymentRequest) (*service.Submission, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Submission), args.Error(1)
}

func (m *MockPaymentService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*components.PaymentView, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*components.PaymentView), args.Error(1)
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.CorrelationID())
	return r
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeData(t *testing.T, body []byte, into any) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	if into != nil {
		require.NotNil(t, resp.Data, "'data' field should not be nil")
		raw, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, into))
	}
	return resp
}

func TestPaymentHandler_Create(t *testing.T) {
	paymentID := shared.PaymentIDForKey("key-1")
	body := CreatePaymentRequest{OrderID: "order-1", PayerAccountID: "alice", Amount: 5000, Currency: "EUR"}
	validJSON, _ := json.Marshal(body)

	tests := []struct {
		name           string
		body           []byte
		setupMocks     func(m *MockPaymentService)
		expectedStatus int
		expectedCode   string
		replayed       bool
	}{
		{
			name: "accepted",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.MatchedBy(func(req *shared.PaymentRequest) bool {
					return req.Operation == shared.OperationCharge &&
						req.IdempotencyKey == "key-1" &&
						req.CorrelationID == "corr-1" &&
						req.Amount == 5000
				})).Return(&service.Submission{PaymentID: paymentID, Status: service.SubmissionPending}, nil)
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name: "replayed outcome",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(&service.Submission{
					PaymentID: paymentID,
					Status:    service.SubmissionFinished,
					Outcome: &payment.Outcome{
						PaymentID:     paymentID,
						SagaID:        paymentID,
						Status:        payment.OutcomeSettled,
						State:         payment.StateSettled,
						Amount:        5000,
						Currency:      "EUR",
						DisplayAmount: "50.00",
						CompletedAt:   time.Now(),
					},
				}, nil)
			},
			expectedStatus: http.StatusOK,
			replayed:       true,
		},
		{
			name:           "malformed body",
			body:           []byte(`{"invalid`),
			setupMocks:     func(m *MockPaymentService) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
		},
		{
			name:           "missing amount",
			body:           []byte(`{"order_id":"o","payer_account_id":"alice","currency":"EUR"}`),
			setupMocks:     func(m *MockPaymentService) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
		},
		{
			name: "rejected by policy",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: GBP not accepted", shared.ErrInvalidCurrency))
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
		},
		{
			name: "key conflict",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, idempotency.ConflictError{Key: "key-1"})
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   "CONFLICT",
		},
		{
			name: "request not queued",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: broker down", service.ErrPublishFailed))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   "SERVICE_UNAVAILABLE",
		},
		{
			name: "internal error",
			body: validJSON,
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, errors.New("broker down"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL_SERVER_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockPaymentService)
			tt.setupMocks(mockService)
			handler := NewPaymentHandler(testLogger(), mockService)

			router := setupTestRouter()
			router.POST("/payments", middleware.RequireIdempotencyKey(), handler.Create)

			req, _ := http.NewRequest(http.MethodPost, "/payments", bytes.NewBuffer(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(middleware.IdempotencyKeyHeader, "key-1")
			req.Header.Set(middleware.CorrelationIDHeader, "corr-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.replayed {
				assert.Equal(t, "true", rr.Header().Get(ReplayedHeader))
				var outcome OutcomeResponse
				decodeData(t, rr.Body.Bytes(), &outcome)
				assert.Equal(t, "SETTLED", outcome.Status)
				assert.Equal(t, "50.00", outcome.DisplayAmount)
			} else {
				assert.Empty(t, rr.Header().Get(ReplayedHeader))
			}
			if tt.expectedStatus == http.StatusAccepted {
				var accepted AcceptedResponse
				resp := decodeData(t, rr.Body.Bytes(), &accepted)
				assert.Equal(t, paymentID.String(), accepted.PaymentID)
				assert.Equal(t, "PENDING", accepted.Status)
				assert.Equal(t, "corr-1", resp.CorrelationID)
			}
			if tt.expectedCode != "" {
				resp := decodeData(t, rr.Body.Bytes(), nil)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.expectedCode, resp.Error.Code)
			}
			mockService.AssertExpectations(t)
		})
	}
}

func TestPaymentHandler_Reverse(t *testing.T) {
	paymentID := uuid.New()

	tests := []struct {
		name           string
		path           string
		setupMocks     func(m *MockPaymentService)
		expectedStatus int
	}{
		{
			name: "accepted",
			path: "/payments/" + paymentID.String() + "/reversals",
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.MatchedBy(func(req *shared.PaymentRequest) bool {
					return req.Operation == shared.OperationReverse && req.PaymentID == paymentID && req.IdempotencyKey == "rev-1"
				})).Return(&service.Submission{PaymentID: paymentID, Status: service.SubmissionPending}, nil)
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "invalid payment id",
			path:           "/payments/not-a-uuid/reversals",
			setupMocks:     func(m *MockPaymentService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown payment",
			path: "/payments/" + paymentID.String() + "/reversals",
			setupMocks: func(m *MockPaymentService) {
				m.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, service.ErrPaymentNotFound)
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockPaymentService)
			tt.setupMocks(mockService)
			handler := NewPaymentHandler(testLogger(), mockService)

			router := setupTestRouter()
			router.POST("/payments/:id/reversals", middleware.RequireIdempotencyKey(), handler.Reverse)

			req, _ := http.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set(middleware.IdempotencyKeyHeader, "rev-1")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			mockService.AssertExpectations(t)
		})
	}
}

func TestPaymentHandler_GetByID(t *testing.T) {
	paymentID := uuid.New()
	agg := payment.New(paymentID, "order-1", "alice", "merchant", 12345, "EUR")
	agg.State = payment.StateSettled
	exec := saga.NewExecution(paymentID, "payment_charge", "key-1", []string{"reserve", "charge"}, nil, time.Now())
	exec.Status = saga.StatusCompleted
	exec.Steps[0].Status = saga.StepCommitted
	exec.Steps[1].Attempts = 2

	t.Run("Success", func(t *testing.T) {
		mockService := new(MockPaymentService)
		mockService.On("GetPayment", mock.Anything, paymentID).Return(&components.PaymentView{Payment: agg, Saga: exec}, nil)
		handler := NewPaymentHandler(testLogger(), mockService)

		router := setupTestRouter()
		router.GET("/payments/:id", handler.GetByID)

		req, _ := http.NewRequest(http.MethodGet, "/payments/"+paymentID.String(), nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var body PaymentResponse
		decodeData(t, rr.Body.Bytes(), &body)
		assert.Equal(t, paymentID.String(), body.PaymentID)
		assert.Equal(t, "SETTLED", body.State)
		assert.Equal(t, "123.45", body.DisplayAmount)
		assert.Equal(t, "COMPLETED", body.Saga.Status)
		require.Len(t, body.Saga.Steps, 2)
		assert.Equal(t, "COMMITTED", body.Saga.Steps[0].Status)
		assert.Equal(t, 2, body.Saga.Steps[1].Attempts)
	})

	t.Run("NotFound", func(t *testing.T) {
		mockService := new(MockPaymentService)
		mockService.On("GetPayment", mock.Anything, paymentID).Return(nil, service.ErrPaymentNotFound)
		handler := NewPaymentHandler(testLogger(), mockService)

		router := setupTestRouter()
		router.GET("/payments/:id", handler.GetByID)

		req, _ := http.NewRequest(http.MethodGet, "/payments/"+paymentID.String(), nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		mockService := new(MockPaymentService)
		handler := NewPaymentHandler(testLogger(), mockService)

		router := setupTestRouter()
		router.GET("/payments/:id", handler.GetByID)

		req, _ := http.NewRequest(http.MethodGet, "/payments/123", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		mockService.AssertNotCalled(t, "GetPayment", mock.Anything, mock.Anything)
	})
}
