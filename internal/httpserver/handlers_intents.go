package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ZecPay/facilitator/internal/apikey"
	apierrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/facilitator"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/pkg/responders"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type createIntentRequest struct {
	Resource string `json:"resource"`
	// Amount in zatoshi; AmountZEC takes precedence when set.
	Amount     int64             `json:"amount,omitempty"`
	AmountZEC  string            `json:"amountZec,omitempty"`
	Scheme     string            `json:"scheme,omitempty"`
	TTLSeconds int               `json:"ttlSeconds,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// createIntent issues a payment challenge on behalf of the authenticated
// merchant and returns the intent plus the challenge material a client needs
// to pay.
func (h *handlers) createIntent(w http.ResponseWriter, r *http.Request) {
	merchant, ok := apikey.MerchantFromContext(r.Context())
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMerchantNotFound, "merchant not authenticated")
		return
	}

	var req createIntentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "request body is not valid JSON")
		return
	}

	amount := money.Zatoshi(req.Amount)
	if req.AmountZEC != "" {
		var err error
		amount, err = money.FromZEC(req.AmountZEC)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, err.Error())
			return
		}
	}
	if !amount.IsPositive() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must be positive")
		return
	}

	issued, err := h.svc.IssueChallenge(r.Context(), facilitator.ChallengeRequest{
		Merchant: merchant,
		Resource: req.Resource,
		Amount:   amount,
		Scheme:   req.Scheme,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
		Metadata: req.Metadata,
	})
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	responders.JSON(w, http.StatusCreated, map[string]any{
		"intent":    issued.Intent,
		"challenge": issued.Body,
	})
}

// getIntent returns one intent, scoped to the authenticated merchant.
func (h *handlers) getIntent(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())

	intent, err := h.store.GetPaymentIntent(r.Context(), chi.URLParam(r, "id"))
	if err != nil || intent.MerchantID != merchant.ID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			writeStoreError(w, err, apierrors.ErrCodeIntentNotFound)
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "payment intent not found")
		return
	}
	responders.JSON(w, http.StatusOK, intent)
}

// listIntents returns the merchant's intents, newest first. Filters: state
// (repeatable), created_before (RFC3339 paging cursor), limit.
func (h *handlers) listIntents(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())
	q := r.URL.Query()

	filter := storage.IntentFilter{
		MerchantID: merchant.ID,
		Limit:      defaultListLimit,
	}
	for _, raw := range q["state"] {
		state := storage.IntentState(raw)
		if !state.IsValid() {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "unknown state "+raw)
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be a positive integer")
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if raw := q.Get("created_before"); raw != "" {
		cursor, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "created_before must be RFC3339")
			return
		}
		filter.CreatedBefore = cursor
	}

	intents, err := h.store.ListPaymentIntents(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, apierrors.ErrCodeIntentNotFound)
		return
	}

	resp := map[string]any{"intents": intents}
	if len(intents) == filter.Limit {
		resp["nextCursor"] = intents[len(intents)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	responders.JSON(w, http.StatusOK, resp)
}

type refundRequest struct {
	// Amount in zatoshi; 0 refunds the full settled amount.
	Amount int64 `json:"amount,omitempty"`
}

// refundIntent marks a settled intent refunded.
func (h *handlers) refundIntent(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())
	intentID := chi.URLParam(r, "id")

	intent, err := h.store.GetPaymentIntent(r.Context(), intentID)
	if err != nil || intent.MerchantID != merchant.ID {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "payment intent not found")
		return
	}

	var req refundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "request body is not valid JSON")
			return
		}
	}
	if req.Amount < 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must not be negative")
		return
	}

	refunded, err := h.svc.Refund(r.Context(), intentID, money.Zatoshi(req.Amount))
	if err != nil {
		writeStoreError(w, err, apierrors.ErrCodeIntentNotFound)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("intent_id", intentID).
		Str("merchant_id", merchant.ID).
		Msg("httpserver.refund_accepted")
	responders.JSON(w, http.StatusOK, refunded)
}
