package facilitator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/storage"
)

// Refund marks a settled intent refunded. A zero amount refunds the full
// settled amount; anything above it is rejected by the store. The refund is
// a bookkeeping transition; moving the funds is the merchant's act.
func (s *Service) Refund(ctx context.Context, intentID string, amount money.Zatoshi) (storage.PaymentIntent, error) {
	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return storage.PaymentIntent{}, err
	}

	// The transition layer answers a repeated refund idempotently; the
	// service surfaces it as a conflict so the caller learns the intent is
	// already terminal.
	if intent.State == storage.StateRefunded {
		return storage.PaymentIntent{}, storage.ErrAlreadyTerminal
	}

	if amount == 0 {
		amount = intent.Amount
	}
	if amount < 0 {
		return storage.PaymentIntent{}, fmt.Errorf("refund amount must be positive")
	}
	if amount > intent.Amount {
		return storage.PaymentIntent{}, storage.ErrRefundExceedsAmount
	}

	err = s.store.TryTransition(ctx, intentID, storage.StateSettled, storage.StateRefunded, storage.IntentPatch{
		RefundAmount: &amount,
	})
	if err != nil {
		return storage.PaymentIntent{}, err
	}

	if s.metrics != nil {
		s.metrics.ObserveTransition(string(storage.StateSettled), string(storage.StateRefunded))
	}
	log.Info().
		Str("intent_id", intentID).
		Int64("refund_zat", amount.Int64()).
		Msg("facilitator.refunded")

	return s.store.GetPaymentIntent(ctx, intentID)
}
