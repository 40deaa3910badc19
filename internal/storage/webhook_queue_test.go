package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testDelivery(intentID, eventType string) WebhookDelivery {
	return WebhookDelivery{
		MerchantID:      "m_1",
		PaymentIntentID: intentID,
		EventType:       eventType,
		URL:             "https://merchant.example/hooks",
		Payload:         json.RawMessage(`{"id":"wh_x","type":"` + eventType + `"}`),
	}
}

func TestEnqueueWebhook_Defaults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.EnqueueWebhook(ctx, testDelivery("pi_1", EventPaymentPending))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := store.GetWebhook(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != WebhookStatusPending {
		t.Errorf("expected pending, got %s", d.Status)
	}
	if d.MaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", d.MaxAttempts)
	}
	if d.NextAttemptAt.IsZero() {
		t.Error("next attempt time should default to now")
	}
}

func TestDequeueWebhooks_DueFilterAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()

	early := testDelivery("pi_1", EventPaymentPending)
	early.ID = "wh_early"
	early.NextAttemptAt = now.Add(-2 * time.Minute)

	late := testDelivery("pi_2", EventPaymentPending)
	late.ID = "wh_late"
	late.NextAttemptAt = now.Add(-time.Minute)

	future := testDelivery("pi_3", EventPaymentPending)
	future.ID = "wh_future"
	future.NextAttemptAt = now.Add(time.Hour)

	done := testDelivery("pi_4", EventPaymentPending)
	done.ID = "wh_done"
	done.Status = WebhookStatusSent
	done.NextAttemptAt = now.Add(-time.Hour)

	for _, d := range []WebhookDelivery{late, future, done, early} {
		if _, err := store.EnqueueWebhook(ctx, d); err != nil {
			t.Fatalf("enqueue %s: %v", d.ID, err)
		}
	}

	due, err := store.DequeueWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due deliveries, got %d", len(due))
	}
	if due[0].ID != "wh_early" || due[1].ID != "wh_late" {
		t.Errorf("wrong order: %s, %s", due[0].ID, due[1].ID)
	}

	limited, err := store.DequeueWebhooks(ctx, 1)
	if err != nil || len(limited) != 1 || limited[0].ID != "wh_early" {
		t.Errorf("limit 1: got %d deliveries, err %v", len(limited), err)
	}
}

func TestDequeueWebhooks_HoldsLaterEventsPerIntent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()

	// The pending event sits in backoff after a failed attempt; the settled
	// event enqueued after it is already due.
	backoff := testDelivery("pi_1", EventPaymentPending)
	backoff.ID = "wh_backoff"
	backoff.Status = WebhookStatusRetrying
	backoff.CreatedAt = now.Add(-time.Minute)
	backoff.NextAttemptAt = now.Add(time.Minute)

	later := testDelivery("pi_1", EventPaymentSettled)
	later.ID = "wh_later"
	later.CreatedAt = now
	later.NextAttemptAt = now.Add(-time.Second)

	other := testDelivery("pi_2", EventPaymentPending)
	other.ID = "wh_other"
	other.CreatedAt = now
	other.NextAttemptAt = now.Add(-time.Second)

	for _, d := range []WebhookDelivery{backoff, later, other} {
		if _, err := store.EnqueueWebhook(ctx, d); err != nil {
			t.Fatalf("enqueue %s: %v", d.ID, err)
		}
	}

	// The later event must not overtake the head in backoff; other intents
	// are unaffected.
	due, err := store.DequeueWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "wh_other" {
		t.Fatalf("expected only wh_other due, got %+v", due)
	}

	// Once the head completes, the later event flows.
	for _, id := range []string{"wh_backoff", "wh_other"} {
		if err := store.MarkWebhookSuccess(ctx, id, 200); err != nil {
			t.Fatalf("mark success %s: %v", id, err)
		}
	}
	due, err = store.DequeueWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue after head sent: %v", err)
	}
	if len(due) != 1 || due[0].ID != "wh_later" {
		t.Errorf("expected wh_later due after the head cleared, got %+v", due)
	}
}

func TestWebhookDeliveryLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.EnqueueWebhook(ctx, testDelivery("pi_1", EventPaymentSettled))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkWebhookAttempt(ctx, id); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := store.MarkWebhookSuccess(ctx, id, 200); err != nil {
		t.Fatalf("success: %v", err)
	}

	d, _ := store.GetWebhook(ctx, id)
	if d.Status != WebhookStatusSent || d.Attempts != 1 || d.LastHTTPCode != 200 {
		t.Errorf("unexpected delivery after success: %+v", d)
	}
	if d.DeliveredAt == nil {
		t.Error("delivered_at should be set")
	}

	// A sent delivery is no longer dequeued.
	due, _ := store.DequeueWebhooks(ctx, 10)
	if len(due) != 0 {
		t.Errorf("sent delivery should not be due, got %d", len(due))
	}
}

func TestWebhookRetryExhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, err := store.EnqueueWebhook(ctx, testDelivery("pi_1", EventPaymentSettled))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Four failures leave the delivery retrying with a future due time.
	for i := 0; i < 4; i++ {
		if err := store.MarkWebhookAttempt(ctx, id); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		next := time.Now().Add(time.Minute)
		if err := store.MarkWebhookFailed(ctx, id, "connection refused", 0, next, false); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
		d, _ := store.GetWebhook(ctx, id)
		if d.Status != WebhookStatusRetrying {
			t.Fatalf("after failure %d: expected retrying, got %s", i+1, d.Status)
		}
	}

	// The fifth failure exhausts MaxAttempts.
	if err := store.MarkWebhookAttempt(ctx, id); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if err := store.MarkWebhookFailed(ctx, id, "HTTP 500", 500, time.Now().Add(time.Minute), false); err != nil {
		t.Fatalf("final fail: %v", err)
	}

	d, _ := store.GetWebhook(ctx, id)
	if d.Status != WebhookStatusFailed {
		t.Errorf("expected failed, got %s", d.Status)
	}
	if d.Attempts != 5 || d.LastHTTPCode != 500 || d.LastError != "HTTP 500" {
		t.Errorf("unexpected delivery after exhaustion: %+v", d)
	}
	if !d.IsFinallyFailed() {
		t.Error("IsFinallyFailed should report true")
	}

	// Terminally failed deliveries are not dequeued.
	due, _ := store.DequeueWebhooks(ctx, 10)
	if len(due) != 0 {
		t.Errorf("failed delivery should not be due, got %d", len(due))
	}

	// Manual retry makes the delivery due immediately but keeps the attempt
	// counter, so it gets exactly one more dispatch.
	if err := store.RetryWebhook(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	d, _ = store.GetWebhook(ctx, id)
	if d.Status != WebhookStatusPending || d.Attempts != 5 {
		t.Errorf("unexpected delivery after manual retry: %+v", d)
	}
	due, _ = store.DequeueWebhooks(ctx, 10)
	if len(due) != 1 {
		t.Errorf("retried delivery should be due, got %d", len(due))
	}

	// One more failure exhausts it again.
	if err := store.MarkWebhookAttempt(ctx, id); err != nil {
		t.Fatalf("attempt after retry: %v", err)
	}
	if err := store.MarkWebhookFailed(ctx, id, "HTTP 503", 503, time.Now().Add(time.Minute), false); err != nil {
		t.Fatalf("fail after retry: %v", err)
	}
	d, _ = store.GetWebhook(ctx, id)
	if d.Status != WebhookStatusFailed || d.Attempts != 6 {
		t.Errorf("unexpected delivery after post-retry failure: %+v", d)
	}
}

func TestListWebhooksByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pendingID, _ := store.EnqueueWebhook(ctx, testDelivery("pi_1", EventPaymentPending))
	sentID, _ := store.EnqueueWebhook(ctx, testDelivery("pi_2", EventPaymentPending))
	if err := store.MarkWebhookSuccess(ctx, sentID, 204); err != nil {
		t.Fatalf("mark success: %v", err)
	}

	pending, err := store.ListWebhooks(ctx, WebhookStatusPending, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != pendingID {
		t.Errorf("pending filter: got %d, err %v", len(pending), err)
	}

	all, err := store.ListWebhooks(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Errorf("unfiltered: got %d, err %v", len(all), err)
	}
}

func TestDeleteWebhook(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, _ := store.EnqueueWebhook(ctx, testDelivery("pi_1", EventPaymentPending))
	if err := store.DeleteWebhook(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetWebhook(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteWebhook(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: expected ErrNotFound, got %v", err)
	}
}

func TestIsReadyForDelivery(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		d    WebhookDelivery
		want bool
	}{
		{"pending due", WebhookDelivery{Status: WebhookStatusPending, NextAttemptAt: now.Add(-time.Second)}, true},
		{"retrying due", WebhookDelivery{Status: WebhookStatusRetrying, NextAttemptAt: now.Add(-time.Second)}, true},
		{"pending future", WebhookDelivery{Status: WebhookStatusPending, NextAttemptAt: now.Add(time.Hour)}, false},
		{"sent", WebhookDelivery{Status: WebhookStatusSent, NextAttemptAt: now.Add(-time.Hour)}, false},
		{"failed", WebhookDelivery{Status: WebhookStatusFailed, NextAttemptAt: now.Add(-time.Hour)}, false},
	}
	for _, tc := range cases {
		if got := tc.d.IsReadyForDelivery(now); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
