package shared

// Operation defines the kind of work a payment request asks for
type Operation string

const (
	OperationCharge  Operation = "CHARGE"
	OperationReverse Operation = "REVERSE"
)

// FailureReason defines payment failure categories
type FailureReason string

const (
	FailureReasonDeclined              FailureReason = "DECLINED_BY_PROCESSOR"
	FailureReasonProcessorTimeout      FailureReason = "PROCESSOR_TIMEOUT"
	FailureReasonDurability            FailureReason = "LEDGER_DURABILITY_ERROR"
	FailureReasonInvalidTransition     FailureReason = "INVALID_TRANSITION"
	FailureReasonCompensationExhausted FailureReason = "COMPENSATION_EXHAUSTED"
	FailureReasonPaymentNotFound       FailureReason = "PAYMENT_NOT_FOUND"
	FailureReasonUnknownError          FailureReason = "UNKNOWN_ERROR"
)
