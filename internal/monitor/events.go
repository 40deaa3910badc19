package monitor

import (
	"time"

	"github.com/ZecPay/facilitator/internal/money"
)

// EventType identifies a monitor event.
type EventType string

const (
	EventPaymentDetected  EventType = "payment_detected"
	EventPaymentConfirmed EventType = "payment_confirmed"
	EventTransactionLost  EventType = "transaction_lost"
	EventReorgHandled     EventType = "reorg_handled"
	EventError            EventType = "error"
)

// Event is one entry of the monitor's in-process event stream.
type Event struct {
	Type          EventType
	IntentID      string
	TxID          string
	Amount        money.Zatoshi
	BlockHeight   int64
	Confirmations int
	Err           error
	At            time.Time
}
