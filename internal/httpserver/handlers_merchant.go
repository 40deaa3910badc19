package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ZecPay/facilitator/internal/apikey"
	apierrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/pkg/responders"
)

type updateWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// updateMerchantWebhook replaces the merchant's webhook endpoint and signing
// secret. An empty URL disables delivery.
func (h *handlers) updateMerchantWebhook(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())

	var req updateWebhookRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "request body is not valid JSON")
		return
	}

	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "url must be an absolute http(s) URL")
			return
		}
		if strings.TrimSpace(req.Secret) == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "secret is required when a webhook URL is set")
			return
		}
	}

	if err := h.store.UpdateMerchantWebhook(r.Context(), merchant.ID, req.URL, req.Secret); err != nil {
		writeStoreError(w, err, apierrors.ErrCodeMerchantNotFound)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("merchant_id", merchant.ID).
		Bool("enabled", req.URL != "").
		Msg("httpserver.webhook_updated")
	responders.JSON(w, http.StatusOK, map[string]any{
		"webhookUrl": req.URL,
	})
}

// merchantBalance reports the node's balance for the merchant's receiving
// address.
func (h *handlers) merchantBalance(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())

	addr := merchant.PayToAddress
	if addr == "" {
		addr = h.cfg.Protocol.PayToAddress
	}
	if addr == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAddress, "merchant has no receiving address")
		return
	}

	balance, err := h.node.AddressBalance(r.Context(), addr)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("httpserver.balance_lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRPCError, "balance lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"address":    addr,
		"balance":    balance,
		"balanceZec": balance.ZEC(),
	})
}
