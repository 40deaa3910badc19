package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/pkg/responders"
	"github.com/ZecPay/facilitator/pkg/x402"
)

// standardRequest is the body of the verify-standard and settle-standard
// endpoints. PaymentRequirements names the intent; the stored intent is the
// source of truth for validation, the rest of the requirements block is
// advisory.
type standardRequest struct {
	X402Version         int              `json:"x402Version"`
	PaymentHeader       string           `json:"paymentHeader"`
	PaymentRequirements standardRequired `json:"paymentRequirements"`
}

type standardRequired struct {
	PaymentID string `json:"paymentId"`
	Scheme    string `json:"scheme,omitempty"`
	Network   string `json:"network,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	PayTo     string `json:"payTo,omitempty"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// supported lists the payment kinds this facilitator accepts.
func (h *handlers) supported(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"kinds": h.svc.SupportedKinds(),
	})
}

// verifyStandard checks an authorization without mutating any state. The
// verdict travels in the body; the status is 200 for every well-formed
// request.
func (h *handlers) verifyStandard(w http.ResponseWriter, r *http.Request) {
	var req standardRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedHeader, "request body is not valid JSON")
		return
	}
	if reason, ok := req.check(true); !ok {
		responders.JSON(w, http.StatusOK, verifyResponse{InvalidReason: reason})
		return
	}

	err := h.svc.Verify(r.Context(), req.PaymentRequirements.PaymentID, req.PaymentHeader)
	if err == nil {
		responders.JSON(w, http.StatusOK, verifyResponse{IsValid: true})
		return
	}

	var ve *x402.VerificationError
	if errors.As(err, &ve) {
		responders.JSON(w, http.StatusOK, verifyResponse{InvalidReason: ve.InvalidReason()})
		return
	}
	logger.FromContext(r.Context()).Error().Err(err).Msg("httpserver.verify_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "verification could not be completed")
}

// settleStandard accepts an authorization and reports finality. Success in
// the body means the intent reached Settled; an accepted but still confirming
// payment reports success false with its confirmation progress. Settled
// intents answer idempotently.
func (h *handlers) settleStandard(w http.ResponseWriter, r *http.Request) {
	var req standardRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedHeader, "request body is not valid JSON")
		return
	}
	// The header may be empty here: a settled intent answers idempotently
	// without reprocessing it.
	if reason, ok := req.check(false); !ok {
		responders.JSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   reason,
		})
		return
	}

	result, err := h.svc.Settle(r.Context(), req.PaymentRequirements.PaymentID, req.PaymentHeader)
	if err == nil {
		responders.JSON(w, http.StatusOK, result)
		return
	}

	var ve *x402.VerificationError
	if errors.As(err, &ve) {
		responders.JSON(w, http.StatusOK, map[string]any{
			"success":   false,
			"error":     x402.UserMessage(ve.Code),
			"errorCode": ve.InvalidReason(),
		})
		return
	}
	logger.FromContext(r.Context()).Error().Err(err).Msg("httpserver.settle_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "settlement could not be completed")
}

// check validates the request envelope. Failures are body-signaled, so the
// caller still answers 200.
func (r *standardRequest) check(requireHeader bool) (reason string, ok bool) {
	if r.X402Version != x402.ProtocolVersion {
		return string(apierrors.ErrCodeBadVersion), false
	}
	if r.PaymentRequirements.PaymentID == "" {
		return string(apierrors.ErrCodeIntentNotFound), false
	}
	if requireHeader && r.PaymentHeader == "" {
		return string(apierrors.ErrCodeMalformedHeader), false
	}
	return "", true
}
