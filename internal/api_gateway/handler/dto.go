package handler

// CreatePaymentRequest represents a request to charge a payer. The payee
// defaults to the settlement account.
type CreatePaymentRequest struct {
	OrderID        string `json:"order_id" binding:"required,max=128"`
	PayerAccountID string `json:"payer_account_id" binding:"required,max=128"`
	PayeeAccountID string `json:"payee_account_id,omitempty" binding:"max=128"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	Currency       string `json:"currency" binding:"required,len=3"`
}

// OutcomeResponse is the definite result of a payment or reversal request
type OutcomeResponse struct {
	PaymentID          string `json:"payment_id"`
	SagaID             string `json:"saga_id"`
	OrderID            string `json:"order_id,omitempty"`
	Status             string `json:"status"`
	State              string `json:"state"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	DisplayAmount      string `json:"display_amount,omitempty"`
	ProcessorReference string `json:"processor_reference,omitempty"`
	FailureReason      string `json:"failure_reason,omitempty"`
	Message            string `json:"message,omitempty"`
	CompletedAt        string `json:"completed_at"`
}

// AcceptedResponse is returned while a request is still being processed
type AcceptedResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentResponse represents a payment and the progress of its saga
type PaymentResponse struct {
	PaymentID        string       `json:"payment_id"`
	OrderID          string       `json:"order_id"`
	PayerAccountID   string       `json:"payer_account_id"`
	PayeeAccountID   string       `json:"payee_account_id"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	DisplayAmount    string       `json:"display_amount"`
	State            string       `json:"state"`
	AttemptCount     int          `json:"attempt_count"`
	LastTransitionAt string       `json:"last_transition_at,omitempty"`
	Saga             SagaResponse `json:"saga"`
}

// SagaResponse represents the execution record of a saga
type SagaResponse struct {
	SagaID        string         `json:"saga_id"`
	Definition    string         `json:"definition"`
	Status        string         `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Steps         []StepResponse `json:"steps"`
}

// StepResponse represents one saga step
type StepResponse struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// BalanceResponse represents the derived balance of an account
type BalanceResponse struct {
	AccountID     string `json:"account_id"`
	Balance       int64  `json:"balance"`
	Currency      string `json:"currency"`
	DisplayAmount string `json:"display_amount"`
	Entries       int64  `json:"entries"`
	HeadHash      string `json:"head_hash"`
}

// EntryResponse represents a ledger entry in API responses
type EntryResponse struct {
	EntryID           string `json:"entry_id"`
	SequenceNumber    int64  `json:"sequence_number"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Kind              string `json:"kind"`
	CausedBy          string `json:"caused_by"`
	PaymentID         string `json:"payment_id,omitempty"`
	Event             string `json:"event,omitempty"`
	ReversesEntryID   string `json:"reverses_entry_id,omitempty"`
	PreviousEntryHash string `json:"previous_entry_hash"`
	EntryHash         string `json:"entry_hash"`
	CreatedAt         string `json:"created_at"`
}

// ChainReportResponse represents the result of verifying an account chain
type ChainReportResponse struct {
	AccountID        string `json:"account_id"`
	Entries          int    `json:"entries"`
	HeadHash         string `json:"head_hash,omitempty"`
	Valid            bool   `json:"valid"`
	BrokenAtSequence int64  `json:"broken_at_sequence,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=10" binding:"min=1,max=100"`
}
