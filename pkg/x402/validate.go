package x402

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
)

// BindingLookup reports the payment intent a txid is already bound to, if
// any. Callers snapshot store state before validation; the validator itself
// performs no I/O.
type BindingLookup func(txid string) (intentID string, bound bool)

// ValidateOptions tune authorization validation. Zero values fall back to the
// protocol defaults.
type ValidateOptions struct {
	Now          time.Time
	TimestampMax time.Duration // accepted |now - auth.timestamp|, default TimestampMaxAge
	BoundIntent  BindingLookup // nil disables the double-spend guard
	IntentID     string        // intent the authorization is being applied to
}

// ValidateAuthorization checks an authorization envelope against the
// requirements. Rules run in a fixed order and the first failure is returned:
// version, scheme, network, timestamp freshness, amount, recipient,
// signature, double-spend. On-chain existence and confirmations are the
// monitor's concern, never checked here.
func ValidateAuthorization(auth *Authorization, req Requirements, opts ValidateOptions) *VerificationError {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.TimestampMax <= 0 {
		opts.TimestampMax = TimestampMaxAge
	}

	if auth.X402Version != ProtocolVersion {
		return NewVerificationError(apperrors.ErrCodeBadVersion,
			fmt.Sprintf("unsupported protocol version %d", auth.X402Version), nil)
	}
	if auth.Scheme != req.Scheme {
		return NewVerificationError(apperrors.ErrCodeSchemeMismatch,
			fmt.Sprintf("scheme %q does not match required %q", auth.Scheme, req.Scheme), nil)
	}
	if auth.Network != req.Network {
		return NewVerificationError(apperrors.ErrCodeNetworkMismatch,
			fmt.Sprintf("network %q does not match required %q", auth.Network, req.Network), nil)
	}

	switch auth.Scheme {
	case SchemeTransparent:
		p, err := auth.TransparentPayload()
		if err != nil {
			return asVerificationError(err)
		}
		return validateTransparent(p, req, opts)
	case SchemeShielded:
		p, err := auth.ShieldedPayload()
		if err != nil {
			return asVerificationError(err)
		}
		return validateShielded(p, req, opts)
	default:
		return NewVerificationError(apperrors.ErrCodeSchemeMismatch,
			fmt.Sprintf("unknown scheme %q", auth.Scheme), nil)
	}
}

func validateTransparent(p *TransparentPayload, req Requirements, opts ValidateOptions) *VerificationError {
	age := opts.Now.Unix() - p.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > opts.TimestampMax {
		return NewVerificationError(apperrors.ErrCodeStaleTimestamp,
			fmt.Sprintf("authorization timestamp is %ds outside the accepted window", age), nil)
	}

	if ve := validateAmount(int64(p.Amount), int64(req.Amount)); ve != nil {
		return ve
	}
	if p.To != req.PayTo {
		return NewVerificationError(apperrors.ErrCodeWrongRecipient,
			"payload recipient does not match required payTo", nil)
	}
	if err := VerifyTransparentSignature(p, req.Network); err != nil {
		return asVerificationError(err)
	}
	return checkDoubleSpend(p.TxID, opts)
}

// validateShielded skips timestamp and signature checks: shielded payloads
// carry neither, and on-chain existence is authoritative.
func validateShielded(p *ShieldedPayload, req Requirements, opts ValidateOptions) *VerificationError {
	if ve := validateAmount(int64(p.Amount), int64(req.Amount)); ve != nil {
		return ve
	}
	if p.To != req.PayTo {
		return NewVerificationError(apperrors.ErrCodeWrongRecipient,
			"payload recipient does not match required payTo", nil)
	}
	return checkDoubleSpend(p.TxID, opts)
}

// validateAmount requires authorized >= required within a one-zatoshi
// tolerance: a shortfall of exactly one zatoshi passes, two fails.
func validateAmount(authorized, required int64) *VerificationError {
	if required-authorized > AmountToleranceZat {
		return NewVerificationError(apperrors.ErrCodeAmountInsufficient,
			fmt.Sprintf("authorized %d zatoshis, required %d", authorized, required), nil)
	}
	return nil
}

func asVerificationError(err error) *VerificationError {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve
	}
	return NewVerificationError(apperrors.ErrCodeMalformedHeader, err.Error(), err)
}

func checkDoubleSpend(txid string, opts ValidateOptions) *VerificationError {
	if opts.BoundIntent == nil {
		return nil
	}
	if boundTo, bound := opts.BoundIntent(txid); bound && boundTo != opts.IntentID {
		return NewVerificationError(apperrors.ErrCodeDoubleSpend,
			"transaction is already bound to another payment intent", nil)
	}
	return nil
}
