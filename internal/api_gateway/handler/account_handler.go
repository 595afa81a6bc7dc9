package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/innoscripta-payment-ledger/internal/api_gateway/service"
	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/domain/payment"
)

// AccountHandler serves balances, statements and chain verification
type AccountHandler struct {
	accountService service.AccountService
	logger         *slog.Logger
}

func NewAccountHandler(logger *slog.Logger, accountService service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		logger:         logger,
	}
}

// GetBalance returns the balance derived from the account's entries
func (h *AccountHandler) GetBalance(c *gin.Context) {
	accountID := c.Param("id")

	balance, err := h.accountService.GetBalance(c.Request.Context(), accountID)
	if h.handleError(c, accountID, err) {
		return
	}

	RespondOK(c, BalanceResponse{
		AccountID:     balance.AccountID,
		Balance:       balance.Balance,
		Currency:      balance.Currency,
		DisplayAmount: payment.DisplayAmount(balance.Balance, balance.Currency),
		Entries:       balance.Entries,
		HeadHash:      balance.HeadHash,
	})
}

// GetEntries returns a page of the account chain in sequence order
func (h *AccountHandler) GetEntries(c *gin.Context) {
	accountID := c.Param("id")

	var pagination PaginationParams
	if err := c.ShouldBindQuery(&pagination); err != nil {
		h.logger.Error("Invalid pagination parameters", "error", err)
		RespondBadRequest(c, "Invalid pagination parameters")
		return
	}

	entries, total, err := h.accountService.GetEntries(c.Request.Context(), accountID, pagination.Page, pagination.PerPage)
	if h.handleError(c, accountID, err) {
		return
	}

	response := make([]EntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, mapEntryToResponse(entry))
	}
	RespondWithPaginatedData(c, http.StatusOK, response, pagination.Page, pagination.PerPage, int(total))
}

// Verify recomputes the account's hash chain
func (h *AccountHandler) Verify(c *gin.Context) {
	accountID := c.Param("id")

	report, err := h.accountService.VerifyChain(c.Request.Context(), accountID)
	if h.handleError(c, accountID, err) {
		return
	}

	RespondOK(c, ChainReportResponse{
		AccountID:        report.AccountID,
		Entries:          report.Entries,
		HeadHash:         report.HeadHash,
		Valid:            report.Valid,
		BrokenAtSequence: report.BrokenAtSequence,
		Reason:           report.Reason,
	})
}

func (h *AccountHandler) handleError(c *gin.Context, accountID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, service.ErrAccountNotFound) {
		RespondNotFound(c, "Account not found")
		return true
	}
	h.logger.Error("Failed to read account", "account_id", accountID, "error", err)
	RespondInternalError(c)
	return true
}

func mapEntryToResponse(entry *ledger.Entry) EntryResponse {
	response := EntryResponse{
		EntryID:           entry.EntryID.String(),
		SequenceNumber:    entry.SequenceNumber,
		Amount:            entry.Amount,
		Currency:          entry.Currency,
		Kind:              string(entry.Kind),
		CausedBy:          entry.CausedByTransactionID,
		Event:             entry.Event,
		PreviousEntryHash: entry.PreviousEntryHash,
		EntryHash:         entry.EntryHash,
		CreatedAt:         entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if entry.PaymentID != nil {
		response.PaymentID = entry.PaymentID.String()
	}
	if entry.ReversesEntryID != nil {
		response.ReversesEntryID = entry.ReversesEntryID.String()
	}
	return response
}
