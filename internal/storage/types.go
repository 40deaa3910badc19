package storage

import (
	"time"

	"github.com/ZecPay/facilitator/internal/money"
)

// IntentState is the lifecycle state of a PaymentIntent. States form a closed
// enumeration; unknown values fail closed.
type IntentState string

const (
	StateCreated              IntentState = "created"
	StateAwaitingConfirmation IntentState = "awaiting_confirmation"
	StateVerified             IntentState = "verified"
	StateSettled              IntentState = "settled"
	StateExpired              IntentState = "expired"
	StateRefunded             IntentState = "refunded"
	StateFailed               IntentState = "failed"
)

// IsTerminal reports whether the state admits no further transitions except
// the explicit Settled to Refunded path.
func (s IntentState) IsTerminal() bool {
	switch s {
	case StateSettled, StateExpired, StateRefunded, StateFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s IntentState) IsValid() bool {
	switch s {
	case StateCreated, StateAwaitingConfirmation, StateVerified,
		StateSettled, StateExpired, StateRefunded, StateFailed:
		return true
	}
	return false
}

// OpenStates are the states in which the monitor still watches an intent.
var OpenStates = []IntentState{StateCreated, StateAwaitingConfirmation}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to IntentState) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	switch from {
	case StateCreated:
		return to == StateAwaitingConfirmation || to == StateExpired || to == StateFailed
	case StateAwaitingConfirmation:
		return to == StateVerified || to == StateCreated || to == StateFailed
	case StateVerified:
		return to == StateSettled || to == StateCreated || to == StateFailed
	case StateSettled:
		return to == StateRefunded
	default:
		// Expired, Refunded, Failed admit nothing.
		return false
	}
}

// Webhook event types emitted on state transitions.
const (
	EventPaymentPending  = "payment.pending"
	EventPaymentVerified = "payment.verified"
	EventPaymentSettled  = "payment.settled"
	EventPaymentFailed   = "payment.failed"
	EventPaymentExpired  = "payment.expired"
	EventPaymentRefunded = "payment.refunded"
)

// WebhookEventForTransition maps a state machine edge to the webhook event it
// emits. Reorg reversions back to Created emit nothing; the monitor's
// in-process event stream covers those.
func WebhookEventForTransition(from, to IntentState) (string, bool) {
	switch to {
	case StateAwaitingConfirmation:
		return EventPaymentPending, true
	case StateVerified:
		return EventPaymentVerified, true
	case StateSettled:
		return EventPaymentSettled, true
	case StateExpired:
		return EventPaymentExpired, true
	case StateRefunded:
		return EventPaymentRefunded, true
	case StateFailed:
		return EventPaymentFailed, true
	default:
		return "", false
	}
}

// PaymentIntent is the durable record of one payment challenge and its
// progress toward settlement.
type PaymentIntent struct {
	ID                    string            `json:"id"`
	MerchantID            string            `json:"merchantId"`
	Resource              string            `json:"resource"`
	Scheme                string            `json:"scheme"`
	Network               string            `json:"network"`
	Amount                money.Zatoshi     `json:"amount"`
	PayToAddress          string            `json:"payToAddress"`
	State                 IntentState       `json:"state"`
	Nonce                 string            `json:"nonce"`
	ChallengeSignature    string            `json:"challengeSignature"`
	RequiredConfirmations int               `json:"requiredConfirmations"`
	ObservedTxid          string            `json:"observedTxid,omitempty"`
	ObservedFrom          string            `json:"observedFrom,omitempty"`
	Confirmations         int               `json:"confirmations"`
	ObservedAt            *time.Time        `json:"observedAt,omitempty"`
	SettledAt             *time.Time        `json:"settledAt,omitempty"`
	RefundAmount          money.Zatoshi     `json:"refundAmount,omitempty"`
	FailureReason         string            `json:"failureReason,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	ExpiresAt             time.Time         `json:"expiresAt"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// IsOpen reports whether the monitor still watches this intent.
func (p PaymentIntent) IsOpen() bool {
	return p.State == StateCreated || p.State == StateAwaitingConfirmation
}

// TxStatus is the chain status of a tracked transaction.
type TxStatus string

const (
	TxStatusMempool    TxStatus = "mempool"
	TxStatusConfirming TxStatus = "confirming"
	TxStatusConfirmed  TxStatus = "confirmed"
	TxStatusLost       TxStatus = "lost"
)

// TxRecord tracks one on-chain transaction bound to a payment intent.
type TxRecord struct {
	TxID          string        `json:"txid"`
	IntentID      string        `json:"intentId"`
	Amount        money.Zatoshi `json:"amount"`
	ToAddress     string        `json:"toAddress"`
	FromAddress   string        `json:"fromAddress,omitempty"`
	BlockHeight   int64         `json:"blockHeight"` // 0 while in the mempool
	Confirmations int           `json:"confirmations"`
	Status        TxStatus      `json:"status"`
	FirstSeenAt   time.Time     `json:"firstSeenAt"`
	LastCheckedAt time.Time     `json:"lastCheckedAt"`
}

// MonitorCursor is the singleton scan position of the blockchain monitor.
type MonitorCursor struct {
	LastScannedHeight int64     `json:"lastScannedHeight"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Merchant is a registered consumer of the facilitator.
type Merchant struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	APIKeyHash            string    `json:"-"` // SHA-256 hex of the API key
	PayToAddress          string    `json:"payToAddress"`
	WebhookURL            string    `json:"webhookUrl,omitempty"`
	WebhookSecret         string    `json:"-"`
	RequiredConfirmations int       `json:"requiredConfirmations"` // 0 means the global default
	CreatedAt             time.Time `json:"createdAt"`
}

// IntentPatch is the set of fields TryTransition may update alongside the
// state change. Nil pointers leave the field untouched; ClearBindings resets
// the observed transaction fields (reorg reversion).
type IntentPatch struct {
	ObservedTxid  *string
	ObservedFrom  *string
	Confirmations *int
	ObservedAt    *time.Time
	SettledAt     *time.Time
	RefundAmount  *money.Zatoshi
	FailureReason *string
	ClearBindings bool
}

// IntentFilter narrows intent list queries.
type IntentFilter struct {
	MerchantID string
	States     []IntentState
	// UntouchedSince selects intents whose updated_at is at or before the
	// given instant. Zero disables the filter.
	UntouchedSince time.Time
	// ExpiredBefore selects intents whose expires_at is at or before the
	// given instant. Zero disables the filter.
	ExpiredBefore time.Time
	// CreatedBefore selects intents created strictly before the given
	// instant. Listings are newest first, so this is the paging cursor.
	CreatedBefore time.Time
	Limit         int
}
