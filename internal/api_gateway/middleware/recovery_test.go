package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		idempotencyKey string
		wantMessage    string
	}{
		{name: "RecoversFromPanic", wantMessage: "An internal server error occurred"},
		{name: "AsksForRetryWithSameKey", idempotencyKey: "pay-1", wantMessage: "An internal server error occurred, retry with the same Idempotency-Key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuffer bytes.Buffer
			testLogger := slog.New(slog.NewJSONHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelError}))

			router := gin.New()
			router.Use(Recovery(testLogger))
			router.Use(CorrelationID())
			router.POST("/api/v1/payments", func(c *gin.Context) {
				panic("publisher exploded")
			})

			req, _ := http.NewRequest(http.MethodPost, "/api/v1/payments", nil)
			req.Header.Set(CorrelationIDHeader, "corr-7")
			if tt.idempotencyKey != "" {
				req.Header.Set(IdempotencyKeyHeader, tt.idempotencyKey)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusInternalServerError, rr.Code)

			var jsonResponse map[string]interface{}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jsonResponse))
			errorField, ok := jsonResponse["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "INTERNAL_SERVER_ERROR", errorField["code"])
			assert.Equal(t, tt.wantMessage, errorField["message"])
			assert.Equal(t, "corr-7", jsonResponse["correlation_id"])

			logOutput := logBuffer.String()
			assert.Contains(t, logOutput, `"msg":"Panic recovered"`)
			assert.Contains(t, logOutput, `"error":"publisher exploded"`)
			assert.Contains(t, logOutput, `"stack":`)
			assert.Contains(t, logOutput, `"correlation_id":"corr-7"`)
			assert.Contains(t, logOutput, `"idempotency_key":"`+tt.idempotencyKey+`"`)
		})
	}

	t.Run("NoPanicNoEffect", func(t *testing.T) {
		var logBuffer bytes.Buffer
		router := gin.New()
		router.Use(Recovery(slog.New(slog.NewJSONHandler(&logBuffer, nil))))
		router.GET("/no_panic", func(c *gin.Context) {
			c.String(http.StatusOK, "OK")
		})

		req, _ := http.NewRequest(http.MethodGet, "/no_panic", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, logBuffer.String())
	})
}
