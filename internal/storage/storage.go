package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZecPay/facilitator/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a requested state change is not an
// edge of the intent state machine.
var ErrInvalidTransition = errors.New("storage: invalid state transition")

// ErrAlreadyTerminal is returned when the intent is in a terminal state and
// the requested transition is not the Settled to Refunded path.
var ErrAlreadyTerminal = errors.New("storage: intent is in a terminal state")

// ErrRefundExceedsAmount is returned when a refund patch exceeds the settled
// amount.
var ErrRefundExceedsAmount = errors.New("storage: refund exceeds settled amount")

// ErrDuplicate is returned when a create collides with an existing record.
var ErrDuplicate = errors.New("storage: duplicate record")

// ErrStaleState is returned by TryTransition when the intent is in neither
// the expected source state nor already in the target state.
var ErrStaleState = errors.New("storage: intent state changed concurrently")

// Store is the durable record and single serializer of all state on payment
// intents, tracked transactions, merchants, the monitor cursor, and the
// webhook delivery queue. All mutation of intent state goes through
// TryTransition; nothing outside this package writes fields directly.
type Store interface {
	// Payment intents.
	CreatePaymentIntent(ctx context.Context, intent PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id string) (PaymentIntent, error)
	ListPaymentIntents(ctx context.Context, filter IntentFilter) ([]PaymentIntent, error)
	// FindIntentByTxID returns the intent a txid is bound to, if any.
	FindIntentByTxID(ctx context.Context, txid string) (PaymentIntent, error)
	// TryTransition applies a compare-and-set state change. If the intent is
	// already in the target state the call is an idempotent success. A legal
	// transition atomically writes the patch and, when the edge maps to a
	// webhook event and the merchant has a webhook URL, enqueues a pending
	// delivery in the same transaction.
	TryTransition(ctx context.Context, id string, from, to IntentState, patch IntentPatch) error

	// Transaction records.
	UpsertTxRecord(ctx context.Context, rec TxRecord) error
	GetTxRecord(ctx context.Context, txid string) (TxRecord, error)
	// ListTxRecordsFromHeight returns non-lost records at or above the given
	// block height, for reorg handling.
	ListTxRecordsFromHeight(ctx context.Context, height int64) ([]TxRecord, error)
	MarkTxLost(ctx context.Context, txid string) error
	// ArchiveTxRecords deletes records of terminal intents older than the
	// cutoff. Returns the number of rows removed.
	ArchiveTxRecords(ctx context.Context, olderThan time.Time) (int64, error)
	// MaxConfirmedTxHeight returns the highest block height among confirmed
	// records, or 0 when none exist. Used for cursor recovery.
	MaxConfirmedTxHeight(ctx context.Context) (int64, error)

	// Monitor cursor (singleton).
	GetMonitorCursor(ctx context.Context) (MonitorCursor, error)
	SetMonitorCursor(ctx context.Context, height int64) error

	// Merchants.
	CreateMerchant(ctx context.Context, m Merchant) error
	GetMerchant(ctx context.Context, id string) (Merchant, error)
	GetMerchantByAPIKeyHash(ctx context.Context, hash string) (Merchant, error)
	// UpdateMerchantWebhook replaces the merchant's webhook endpoint and
	// signing secret. An empty URL disables webhook delivery.
	UpdateMerchantWebhook(ctx context.Context, merchantID, url, secret string) error
	ListMerchants(ctx context.Context) ([]Merchant, error)

	// Webhook delivery queue. DequeueWebhooks returns due pending and
	// retrying rows ordered by next attempt time; MarkWebhookAttempt counts
	// an attempt before dispatch; success and failure record the HTTP
	// outcome. A failed delivery becomes terminally failed when it has
	// exhausted MaxAttempts or the caller passes terminal, until
	// RetryWebhook resets it.
	EnqueueWebhook(ctx context.Context, delivery WebhookDelivery) (string, error)
	DequeueWebhooks(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookAttempt(ctx context.Context, deliveryID string) error
	MarkWebhookSuccess(ctx context.Context, deliveryID string, httpCode int) error
	MarkWebhookFailed(ctx context.Context, deliveryID string, errorMsg string, httpCode int, nextAttemptAt time.Time, terminal bool) error
	GetWebhook(ctx context.Context, deliveryID string) (WebhookDelivery, error)
	ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]WebhookDelivery, error)
	ListWebhooksForIntent(ctx context.Context, intentID string) ([]WebhookDelivery, error)
	// RetryWebhook resets a failed delivery for manual retry: the next
	// attempt is due immediately and the attempt counter is kept, so an
	// exhausted delivery gets exactly one more dispatch per retry.
	RetryWebhook(ctx context.Context, deliveryID string) error
	DeleteWebhook(ctx context.Context, deliveryID string) error

	// AcquireJobLock takes a process-wide named lock so periodic jobs run on
	// one instance at a time. Returns false without error when another
	// holder has it. The returned release function is always safe to call.
	AcquireJobLock(ctx context.Context, name string) (release func(), acquired bool, err error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend      string // "memory" or "postgres"
	PostgresURL  string
	PostgresPool config.PostgresPoolConfig
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database
// pool. If sharedDB is non-nil for the postgres backend, it is used instead
// of opening a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Memory loses all intent and replay state on restart. Development
		// and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB)
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// validateTransition applies the shared state machine and refund guards.
// Backends handle the idempotent intent.State == to case before calling it.
func validateTransition(intent PaymentIntent, from, to IntentState, patch IntentPatch) error {
	if intent.State != from {
		if intent.State.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrStaleState
	}
	if !CanTransition(from, to) {
		if from.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}
	if to == StateRefunded && patch.RefundAmount != nil && *patch.RefundAmount > intent.Amount {
		return ErrRefundExceedsAmount
	}
	return nil
}
