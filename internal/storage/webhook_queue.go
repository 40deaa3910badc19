package storage

import (
	"encoding/json"
	"time"
)

// WebhookStatus represents the current state of a delivery in the queue.
type WebhookStatus string

const (
	WebhookStatusPending  WebhookStatus = "pending"  // never attempted
	WebhookStatusRetrying WebhookStatus = "retrying" // attempted, awaiting the next try
	WebhookStatusSent     WebhookStatus = "sent"     // delivered, kept as log
	WebhookStatusFailed   WebhookStatus = "failed"   // exhausted all attempts
)

// WebhookDelivery is one queued webhook. Rows are written in the same
// transaction as the state change that caused them, so a crash between
// transition and delivery loses nothing.
type WebhookDelivery struct {
	ID              string          `json:"id"`
	MerchantID      string          `json:"merchantId"`
	PaymentIntentID string          `json:"paymentIntentId"`
	EventType       string          `json:"eventType"`
	URL             string          `json:"url"`
	Payload         json.RawMessage `json:"payload"`
	Status          WebhookStatus   `json:"status"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"maxAttempts"`
	LastHTTPCode    int             `json:"lastHttpCode,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	LastAttemptAt   time.Time       `json:"lastAttemptAt,omitempty"`
	NextAttemptAt   time.Time       `json:"nextAttemptAt"`
	CreatedAt       time.Time       `json:"createdAt"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
}

// IsReadyForDelivery returns true if the delivery should be attempted at
// the given time.
func (w WebhookDelivery) IsReadyForDelivery(now time.Time) bool {
	if w.Status != WebhookStatusPending && w.Status != WebhookStatusRetrying {
		return false
	}
	return w.NextAttemptAt.IsZero() || !now.Before(w.NextAttemptAt)
}

// IsFinallyFailed returns true if the delivery has exhausted all attempts.
func (w WebhookDelivery) IsFinallyFailed() bool {
	return w.Status == WebhookStatusFailed && w.Attempts >= w.MaxAttempts
}
