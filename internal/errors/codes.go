package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Payment header validation errors, in the order the validator applies them.
const (
	ErrCodeMalformedHeader    ErrorCode = "malformed_header"
	ErrCodeBadVersion         ErrorCode = "bad_version"
	ErrCodeSchemeMismatch     ErrorCode = "scheme_mismatch"
	ErrCodeNetworkMismatch    ErrorCode = "network_mismatch"
	ErrCodeStaleTimestamp     ErrorCode = "stale_timestamp"
	ErrCodeAmountInsufficient ErrorCode = "amount_insufficient"
	ErrCodeWrongRecipient     ErrorCode = "wrong_recipient"
	ErrCodeBadSignature       ErrorCode = "bad_signature"
	ErrCodeDoubleSpend        ErrorCode = "double_spend"
)

// Challenge errors
const (
	ErrCodeChallengeExpired ErrorCode = "challenge_expired"
	ErrCodeChallengeInvalid ErrorCode = "challenge_invalid"
)

// Lifecycle store errors
const (
	ErrCodeIntentNotFound      ErrorCode = "intent_not_found"
	ErrCodeInvalidTransition   ErrorCode = "invalid_transition"
	ErrCodeAlreadyTerminal     ErrorCode = "already_terminal"
	ErrCodeRefundExceedsAmount ErrorCode = "refund_exceeds_amount"
)

// Validation errors (request input)
const (
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
	ErrCodeInvalidAmount  ErrorCode = "invalid_amount"
	ErrCodeInvalidAddress ErrorCode = "invalid_address"
)

// Resource errors
const (
	ErrCodeMerchantNotFound ErrorCode = "merchant_not_found"
	ErrCodeWebhookNotFound  ErrorCode = "webhook_not_found"
	ErrCodeTxNotFound       ErrorCode = "tx_not_found"
)

// External service errors (zcashd RPC, webhook targets)
const (
	ErrCodeRPCError     ErrorCode = "rpc_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client input errors
	case ErrCodeMalformedHeader,
		ErrCodeBadVersion,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidAddress:
		return 400

	// 402 Payment Required - authorization verification failures
	case ErrCodeSchemeMismatch,
		ErrCodeNetworkMismatch,
		ErrCodeStaleTimestamp,
		ErrCodeAmountInsufficient,
		ErrCodeWrongRecipient,
		ErrCodeBadSignature,
		ErrCodeDoubleSpend,
		ErrCodeChallengeExpired,
		ErrCodeChallengeInvalid:
		return 402

	// 404 Not Found
	case ErrCodeIntentNotFound,
		ErrCodeMerchantNotFound,
		ErrCodeWebhookNotFound,
		ErrCodeTxNotFound:
		return 404

	// 409 Conflict - state machine violations
	case ErrCodeInvalidTransition,
		ErrCodeAlreadyTerminal,
		ErrCodeRefundExceedsAmount:
		return 409

	// 502 Bad Gateway - external service errors
	case ErrCodeRPCError,
		ErrCodeNetworkError:
		return 502

	default:
		return 500
	}
}
