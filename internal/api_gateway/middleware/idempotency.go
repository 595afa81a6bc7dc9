package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/innoscripta-payment-ledger/internal/domain/idempotency"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	IdempotencyKeyKey    = "idempotency_key"

	maxIdempotencyKeyLength = 255
)

// RequireIdempotencyKey rejects mutating requests without a usable Idempotency-Key header
func RequireIdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
		var message string
		switch {
		case key == "":
			message = "Idempotency-Key header is required"
		case len(key) > maxIdempotencyKeyLength:
			message = "Idempotency-Key header is too long"
		case idempotency.IsReserved(key):
			message = "Idempotency-Key header uses a reserved prefix"
		}
		if message != "" {
			response := gin.H{"error": gin.H{"code": "BAD_REQUEST", "message": message}}
			if correlationID := GetCorrelationID(c); correlationID != "" {
				response["correlation_id"] = correlationID
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, response)
			return
		}

		c.Set(IdempotencyKeyKey, key)
		c.Next()
	}
}

// GetIdempotencyKey returns the key stored by RequireIdempotencyKey
func GetIdempotencyKey(c *gin.Context) string {
	return c.GetString(IdempotencyKeyKey)
}
