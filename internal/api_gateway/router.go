package api_gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/innoscripta-payment-ledger/internal/api_gateway/handler"
	"github.com/innoscripta-payment-ledger/internal/api_gateway/middleware"
)

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	accountHandler *handler.AccountHandler,
	paymentHandler *handler.PaymentHandler,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.Logger(logger))

	v1 := r.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		{
			payments.POST("", middleware.RequireIdempotencyKey(), paymentHandler.Create)
			payments.POST("/:id/reversals", middleware.RequireIdempotencyKey(), paymentHandler.Reverse)
			payments.GET("/:id", paymentHandler.GetByID)
		}

		// Read-only views derived from the ledger
		accounts := v1.Group("/accounts")
		{
			accounts.GET("/:id/balance", accountHandler.GetBalance)
			accounts.GET("/:id/entries", accountHandler.GetEntries)
			accounts.GET("/:id/verify", accountHandler.Verify)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
}
