package x402

import (
	"fmt"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
)

// VerificationError is a protocol-level validation failure. The Code field
// carries the machine-readable reason surfaced as invalidReason on the
// facilitator-standard endpoints.
type VerificationError struct {
	Code    apperrors.ErrorCode
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a verification error with the given code.
func NewVerificationError(code apperrors.ErrorCode, message string, err error) *VerificationError {
	return &VerificationError{Code: code, Message: message, Err: err}
}

// InvalidReason returns the wire form of the failure reason.
func (e *VerificationError) InvalidReason() string {
	return string(e.Code)
}

// UserMessage returns a short client-safe description of the failure.
func UserMessage(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.ErrCodeMalformedHeader:
		return "The payment header could not be decoded."
	case apperrors.ErrCodeBadVersion:
		return "Unsupported protocol version."
	case apperrors.ErrCodeSchemeMismatch:
		return "The payment scheme does not match the requirements."
	case apperrors.ErrCodeNetworkMismatch:
		return "The payment network does not match the requirements."
	case apperrors.ErrCodeStaleTimestamp:
		return "The authorization timestamp is outside the accepted window."
	case apperrors.ErrCodeAmountInsufficient:
		return "The authorized amount is less than the required amount."
	case apperrors.ErrCodeWrongRecipient:
		return "The payment recipient does not match the requirements."
	case apperrors.ErrCodeBadSignature:
		return "The payment signature could not be verified."
	case apperrors.ErrCodeDoubleSpend:
		return "This transaction is already bound to another payment."
	case apperrors.ErrCodeChallengeExpired:
		return "The payment challenge has expired."
	case apperrors.ErrCodeChallengeInvalid:
		return "The payment challenge signature is invalid."
	default:
		return "Payment verification failed."
	}
}
