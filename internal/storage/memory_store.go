package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and local
// development. It applies the same state machine and webhook enqueue
// semantics as the Postgres backend, minus durability.
type MemoryStore struct {
	mu            sync.RWMutex
	intents       map[string]PaymentIntent   // intent ID -> intent
	intentsByTxid map[string]string          // observed txid -> intent ID
	txRecords     map[string]TxRecord        // txid -> record
	merchants     map[string]Merchant        // merchant ID -> merchant
	webhookQueue  map[string]WebhookDelivery // delivery ID -> delivery
	webhookKeys   map[string]string          // intentID+"/"+eventType -> delivery ID
	cursor        MonitorCursor
	cursorSet     bool
	jobLocks      map[string]bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:       make(map[string]PaymentIntent),
		intentsByTxid: make(map[string]string),
		txRecords:     make(map[string]TxRecord),
		merchants:     make(map[string]Merchant),
		webhookQueue:  make(map[string]WebhookDelivery),
		webhookKeys:   make(map[string]string),
		jobLocks:      make(map[string]bool),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// CreatePaymentIntent stores a new intent. The ID must be unused.
func (m *MemoryStore) CreatePaymentIntent(_ context.Context, intent PaymentIntent) error {
	if intent.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !intent.State.IsValid() {
		return fmt.Errorf("invalid intent state %q", intent.State)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.intents[intent.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	m.intents[intent.ID] = intent
	if intent.ObservedTxid != "" {
		m.intentsByTxid[intent.ObservedTxid] = intent.ID
	}
	return nil
}

// GetPaymentIntent retrieves an intent by ID.
func (m *MemoryStore) GetPaymentIntent(_ context.Context, id string) (PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return intent, nil
}

// ListPaymentIntents returns intents matching the filter, newest first.
func (m *MemoryStore) ListPaymentIntents(_ context.Context, filter IntentFilter) ([]PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentIntent
	for _, intent := range m.intents {
		if !matchesFilter(intent, filter) {
			continue
		}
		out = append(out, intent)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(intent PaymentIntent, filter IntentFilter) bool {
	if filter.MerchantID != "" && intent.MerchantID != filter.MerchantID {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if intent.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.UntouchedSince.IsZero() && intent.UpdatedAt.After(filter.UntouchedSince) {
		return false
	}
	if !filter.ExpiredBefore.IsZero() && intent.ExpiresAt.After(filter.ExpiredBefore) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !intent.CreatedAt.Before(filter.CreatedBefore) {
		return false
	}
	return true
}

// FindIntentByTxID returns the intent a txid is bound to.
func (m *MemoryStore) FindIntentByTxID(_ context.Context, txid string) (PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.intentsByTxid[txid]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	intent, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return intent, nil
}

// TryTransition applies a compare-and-set state change, the patch, and the
// webhook enqueue atomically under the store lock.
func (m *MemoryStore) TryTransition(_ context.Context, id string, from, to IntentState, patch IntentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}
	if intent.State == to {
		return nil
	}
	if err := validateTransition(intent, from, to, patch); err != nil {
		return err
	}

	now := time.Now().UTC()
	oldTxid := intent.ObservedTxid
	applyPatch(&intent, patch)
	intent.State = to
	intent.UpdatedAt = now
	m.intents[id] = intent

	if oldTxid != intent.ObservedTxid {
		if oldTxid != "" {
			delete(m.intentsByTxid, oldTxid)
		}
		if intent.ObservedTxid != "" {
			m.intentsByTxid[intent.ObservedTxid] = id
		}
	}

	m.enqueueTransitionWebhookLocked(intent, from, to, now)
	return nil
}

// applyPatch writes the non-nil patch fields onto the intent.
func applyPatch(intent *PaymentIntent, patch IntentPatch) {
	if patch.ClearBindings {
		intent.ObservedTxid = ""
		intent.ObservedFrom = ""
		intent.Confirmations = 0
		intent.ObservedAt = nil
		intent.SettledAt = nil
	}
	if patch.ObservedTxid != nil {
		intent.ObservedTxid = *patch.ObservedTxid
	}
	if patch.ObservedFrom != nil {
		intent.ObservedFrom = *patch.ObservedFrom
	}
	if patch.Confirmations != nil {
		intent.Confirmations = *patch.Confirmations
	}
	if patch.ObservedAt != nil {
		intent.ObservedAt = patch.ObservedAt
	}
	if patch.SettledAt != nil {
		intent.SettledAt = patch.SettledAt
	}
	if patch.RefundAmount != nil {
		intent.RefundAmount = *patch.RefundAmount
	}
	if patch.FailureReason != nil {
		intent.FailureReason = *patch.FailureReason
	}
}

// enqueueTransitionWebhookLocked writes a pending delivery for the transition
// if the edge maps to an event and the merchant has a webhook URL. One
// delivery per (intent, event type); a reorg that replays a transition does
// not produce a duplicate.
func (m *MemoryStore) enqueueTransitionWebhookLocked(intent PaymentIntent, from, to IntentState, now time.Time) {
	eventType, ok := WebhookEventForTransition(from, to)
	if !ok {
		return
	}
	merchant, ok := m.merchants[intent.MerchantID]
	if !ok || merchant.WebhookURL == "" {
		return
	}

	key := intent.ID + "/" + eventType
	if _, exists := m.webhookKeys[key]; exists {
		return
	}

	deliveryID := newDeliveryID()
	payload, err := BuildWebhookPayload(deliveryID, eventType, intent, now)
	if err != nil {
		return
	}
	m.webhookQueue[deliveryID] = WebhookDelivery{
		ID:              deliveryID,
		MerchantID:      intent.MerchantID,
		PaymentIntentID: intent.ID,
		EventType:       eventType,
		URL:             merchant.WebhookURL,
		Payload:         payload,
		Status:          WebhookStatusPending,
		MaxAttempts:     defaultWebhookMaxAttempts,
		NextAttemptAt:   now,
		CreatedAt:       now,
	}
	m.webhookKeys[key] = deliveryID
}

// UpsertTxRecord creates or refreshes a transaction record. The intent
// binding is write-once; a re-upsert keeps the intent the txid was first
// bound to.
func (m *MemoryStore) UpsertTxRecord(_ context.Context, rec TxRecord) error {
	if rec.TxID == "" {
		return fmt.Errorf("txid is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.txRecords[rec.TxID]
	if ok {
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = existing.FirstSeenAt
		}
		// The txid to intent binding is set once and never rewritten.
		if existing.IntentID != "" {
			rec.IntentID = existing.IntentID
		}
		if rec.FromAddress == "" {
			rec.FromAddress = existing.FromAddress
		}
	} else if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	if rec.LastCheckedAt.IsZero() {
		rec.LastCheckedAt = now
	}
	m.txRecords[rec.TxID] = rec
	return nil
}

// GetTxRecord retrieves a transaction record.
func (m *MemoryStore) GetTxRecord(_ context.Context, txid string) (TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.txRecords[txid]
	if !ok {
		return TxRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListTxRecordsFromHeight returns non-lost records at or above the height.
func (m *MemoryStore) ListTxRecordsFromHeight(_ context.Context, height int64) ([]TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TxRecord
	for _, rec := range m.txRecords {
		if rec.Status != TxStatusLost && rec.BlockHeight >= height {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockHeight < out[j].BlockHeight
	})
	return out, nil
}

// MarkTxLost flags a record as dropped from the chain.
func (m *MemoryStore) MarkTxLost(_ context.Context, txid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.txRecords[txid]
	if !ok {
		return ErrNotFound
	}
	rec.Status = TxStatusLost
	rec.LastCheckedAt = time.Now().UTC()
	m.txRecords[txid] = rec
	return nil
}

// ArchiveTxRecords deletes records of terminal intents older than the cutoff.
func (m *MemoryStore) ArchiveTxRecords(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for txid, rec := range m.txRecords {
		if !rec.FirstSeenAt.Before(olderThan) {
			continue
		}
		intent, ok := m.intents[rec.IntentID]
		if ok && !intent.State.IsTerminal() {
			continue
		}
		delete(m.txRecords, txid)
		count++
	}
	return count, nil
}

// MaxConfirmedTxHeight returns the highest confirmed block height.
func (m *MemoryStore) MaxConfirmedTxHeight(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for _, rec := range m.txRecords {
		if rec.Status == TxStatusConfirmed && rec.BlockHeight > max {
			max = rec.BlockHeight
		}
	}
	return max, nil
}

// GetMonitorCursor returns the singleton scan cursor.
func (m *MemoryStore) GetMonitorCursor(_ context.Context) (MonitorCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.cursorSet {
		return MonitorCursor{}, ErrNotFound
	}
	return m.cursor, nil
}

// SetMonitorCursor stores the scan cursor.
func (m *MemoryStore) SetMonitorCursor(_ context.Context, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursor = MonitorCursor{LastScannedHeight: height, UpdatedAt: time.Now().UTC()}
	m.cursorSet = true
	return nil
}

// CreateMerchant stores a new merchant.
func (m *MemoryStore) CreateMerchant(_ context.Context, merchant Merchant) error {
	if merchant.ID == "" {
		return fmt.Errorf("merchant id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.merchants[merchant.ID]; exists {
		return ErrDuplicate
	}
	if merchant.CreatedAt.IsZero() {
		merchant.CreatedAt = time.Now().UTC()
	}
	m.merchants[merchant.ID] = merchant
	return nil
}

// GetMerchant retrieves a merchant by ID.
func (m *MemoryStore) GetMerchant(_ context.Context, id string) (Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merchant, ok := m.merchants[id]
	if !ok {
		return Merchant{}, ErrNotFound
	}
	return merchant, nil
}

// GetMerchantByAPIKeyHash looks a merchant up by the hash of its API key.
func (m *MemoryStore) GetMerchantByAPIKeyHash(_ context.Context, hash string) (Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, merchant := range m.merchants {
		if merchant.APIKeyHash == hash {
			return merchant, nil
		}
	}
	return Merchant{}, ErrNotFound
}

// UpdateMerchantWebhook replaces the merchant's webhook endpoint and secret.
func (m *MemoryStore) UpdateMerchantWebhook(_ context.Context, merchantID, url, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merchant, ok := m.merchants[merchantID]
	if !ok {
		return ErrNotFound
	}
	merchant.WebhookURL = url
	merchant.WebhookSecret = secret
	m.merchants[merchantID] = merchant
	return nil
}

// ListMerchants returns all merchants.
func (m *MemoryStore) ListMerchants(_ context.Context) ([]Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Merchant, 0, len(m.merchants))
	for _, merchant := range m.merchants {
		out = append(out, merchant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EnqueueWebhook adds a delivery to the queue directly, outside of a
// transition. Used for manual re-sends.
func (m *MemoryStore) EnqueueWebhook(_ context.Context, delivery WebhookDelivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delivery.ID == "" {
		delivery.ID = newDeliveryID()
	}
	if delivery.Status == "" {
		delivery.Status = WebhookStatusPending
	}
	now := time.Now().UTC()
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = now
	}
	if delivery.NextAttemptAt.IsZero() {
		delivery.NextAttemptAt = now
	}
	if delivery.MaxAttempts == 0 {
		delivery.MaxAttempts = defaultWebhookMaxAttempts
	}
	m.webhookQueue[delivery.ID] = delivery
	return delivery.ID, nil
}

// DequeueWebhooks returns due deliveries, at most one per intent: the head
// of each intent's queue in enqueue order, and only when that head is due.
// A later event never overtakes an earlier one that sits in backoff.
func (m *MemoryStore) DequeueWebhooks(_ context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	heads := make(map[string]WebhookDelivery)
	for _, d := range m.webhookQueue {
		if d.Status != WebhookStatusPending && d.Status != WebhookStatusRetrying {
			continue
		}
		head, ok := heads[d.PaymentIntentID]
		if !ok || d.CreatedAt.Before(head.CreatedAt) ||
			(d.CreatedAt.Equal(head.CreatedAt) && d.ID < head.ID) {
			heads[d.PaymentIntentID] = d
		}
	}

	now := time.Now().UTC()
	var out []WebhookDelivery
	for _, d := range heads {
		if !d.NextAttemptAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkWebhookAttempt counts an attempt before dispatch.
func (m *MemoryStore) MarkWebhookAttempt(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastAttemptAt = time.Now().UTC()
	m.webhookQueue[deliveryID] = d
	return nil
}

// MarkWebhookSuccess records a completed delivery.
func (m *MemoryStore) MarkWebhookSuccess(_ context.Context, deliveryID string, httpCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = WebhookStatusSent
	d.LastHTTPCode = httpCode
	d.LastError = ""
	d.DeliveredAt = &now
	m.webhookQueue[deliveryID] = d
	return nil
}

// MarkWebhookFailed records a failed attempt, scheduling a retry or marking
// the delivery terminally failed when attempts are exhausted or the caller
// forces it.
func (m *MemoryStore) MarkWebhookFailed(_ context.Context, deliveryID string, errorMsg string, httpCode int, nextAttemptAt time.Time, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.LastError = errorMsg
	d.LastHTTPCode = httpCode
	d.LastAttemptAt = time.Now().UTC()
	if terminal || d.Attempts >= d.MaxAttempts {
		d.Status = WebhookStatusFailed
	} else {
		d.Status = WebhookStatusRetrying
		d.NextAttemptAt = nextAttemptAt
	}
	m.webhookQueue[deliveryID] = d
	return nil
}

// GetWebhook retrieves a delivery by ID.
func (m *MemoryStore) GetWebhook(_ context.Context, deliveryID string) (WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return WebhookDelivery{}, ErrNotFound
	}
	return d, nil
}

// ListWebhooks lists deliveries with an optional status filter, newest first.
func (m *MemoryStore) ListWebhooks(_ context.Context, status WebhookStatus, limit int) ([]WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookDelivery
	for _, d := range m.webhookQueue {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListWebhooksForIntent returns the delivery log of one intent, oldest first.
func (m *MemoryStore) ListWebhooksForIntent(_ context.Context, intentID string) ([]WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookDelivery
	for _, d := range m.webhookQueue {
		if d.PaymentIntentID == intentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RetryWebhook resets a delivery for manual retry.
func (m *MemoryStore) RetryWebhook(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return ErrNotFound
	}
	// Attempts are kept; the retried delivery gets one more dispatch before
	// the exhaustion check applies again.
	d.Status = WebhookStatusPending
	d.NextAttemptAt = time.Now().UTC()
	d.LastError = ""
	d.DeliveredAt = nil
	m.webhookQueue[deliveryID] = d
	return nil
}

// DeleteWebhook removes a delivery from the queue.
func (m *MemoryStore) DeleteWebhook(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.webhookQueue[deliveryID]
	if !ok {
		return ErrNotFound
	}
	delete(m.webhookQueue, deliveryID)
	delete(m.webhookKeys, d.PaymentIntentID+"/"+d.EventType)
	return nil
}

// AcquireJobLock takes a process-local named lock.
func (m *MemoryStore) AcquireJobLock(_ context.Context, name string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jobLocks[name] {
		return func() {}, false, nil
	}
	m.jobLocks[name] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.jobLocks, name)
			m.mu.Unlock()
		})
	}
	return release, true, nil
}

func newDeliveryID() string {
	return "wh_" + uuid.NewString()
}

const defaultWebhookMaxAttempts = 5

// BuildWebhookPayload renders the webhook body sent to merchants:
// {id, type, data, timestamp}.
func BuildWebhookPayload(deliveryID, eventType string, intent PaymentIntent, now time.Time) (json.RawMessage, error) {
	body := struct {
		ID        string        `json:"id"`
		Type      string        `json:"type"`
		Data      PaymentIntent `json:"data"`
		Timestamp time.Time     `json:"timestamp"`
	}{
		ID:        deliveryID,
		Type:      eventType,
		Data:      intent,
		Timestamp: now,
	}
	return json.Marshal(body)
}
