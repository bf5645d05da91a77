package pipeline

import "errors"

// Domain errors surfaced to the HTTP layer. Handlers map them to status
// codes with errors.Is, never by matching strings.
var (
	ErrSlipNotFound         = errors.New("slip not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotOrderOwner        = errors.New("order belongs to another user")
	ErrSlipAlreadyProcessed = errors.New("slip is already being processed")
	ErrActiveSlipExists     = errors.New("order already has an active slip")
	ErrInvalidAmount        = errors.New("amount must be positive")

	// retryable: the slip stays pending, resubmit verification later
	ErrVerifierUnavailable = errors.New("verification service unavailable, try again later")

	// definitive rejections: a new slip is required
	ErrVerifierRejected = errors.New("receipt rejected by verification service")
	ErrAmountMismatch   = errors.New("paid amount does not match the expected amount")
	ErrReceiverMismatch = errors.New("receiver does not match the shop bank details")
	ErrStaleTransaction = errors.New("transaction is too old or dated in the future")

	// distinct from rejection: the receipt was already consumed
	ErrDuplicateReceipt = errors.New("receipt was already used for another payment")

	// internal partial-write condition, claim is rolled back
	ErrSettlementFailed = errors.New("settlement failed")
)
