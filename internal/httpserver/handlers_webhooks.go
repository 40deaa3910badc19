package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ZecPay/facilitator/internal/apikey"
	apierrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/pkg/responders"
)

// listWebhooks returns the merchant's webhook deliveries, optionally filtered
// by status. An intent_id query narrows to one intent's deliveries.
func (h *handlers) listWebhooks(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())
	q := r.URL.Query()

	var (
		deliveries []storage.WebhookDelivery
		err        error
	)
	if intentID := q.Get("intent_id"); intentID != "" {
		deliveries, err = h.store.ListWebhooksForIntent(r.Context(), intentID)
	} else {
		status := storage.WebhookStatus(q.Get("status"))
		limit := defaultListLimit
		if raw := q.Get("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n < 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be a positive integer")
				return
			}
			if n > maxListLimit {
				n = maxListLimit
			}
			limit = n
		}
		deliveries, err = h.store.ListWebhooks(r.Context(), status, limit)
	}
	if err != nil {
		writeStoreError(w, err, apierrors.ErrCodeWebhookNotFound)
		return
	}

	// The queue is shared; answer only with the merchant's own rows.
	scoped := make([]storage.WebhookDelivery, 0, len(deliveries))
	for _, d := range deliveries {
		if d.MerchantID == merchant.ID {
			scoped = append(scoped, d)
		}
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"webhooks": scoped,
	})
}

// retryWebhook resets a failed delivery so the worker dispatches it once
// more.
func (h *handlers) retryWebhook(w http.ResponseWriter, r *http.Request) {
	merchant, _ := apikey.MerchantFromContext(r.Context())
	deliveryID := chi.URLParam(r, "id")

	delivery, err := h.store.GetWebhook(r.Context(), deliveryID)
	if err != nil || delivery.MerchantID != merchant.ID {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookNotFound, "webhook delivery not found")
		return
	}

	if err := h.store.RetryWebhook(r.Context(), deliveryID); err != nil {
		writeStoreError(w, err, apierrors.ErrCodeWebhookNotFound)
		return
	}

	logger.FromContext(r.Context()).Info().
		Str("delivery_id", deliveryID).
		Str("merchant_id", merchant.ID).
		Msg("httpserver.webhook_retry_requested")

	delivery, err = h.store.GetWebhook(r.Context(), deliveryID)
	if err != nil {
		writeStoreError(w, err, apierrors.ErrCodeWebhookNotFound)
		return
	}
	responders.JSON(w, http.StatusOK, delivery)
}
