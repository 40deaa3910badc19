package facilitator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/pkg/x402"
)

// AuthorizeResult is the outcome of an accepted authorization.
type AuthorizeResult struct {
	Intent   storage.PaymentIntent
	Response *x402.SettlementResponse
}

// ResponseHeader renders the X-Payment-Response value.
func (r *AuthorizeResult) ResponseHeader() (string, error) {
	return x402.EncodeSettlementResponse(r.Response)
}

// Verify checks an authorization header against an intent without mutating
// any state. A nil return means the authorization would be accepted.
func (s *Service) Verify(ctx context.Context, intentID, paymentHeader string) error {
	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return x402.NewVerificationError(apperrors.ErrCodeIntentNotFound, "unknown payment intent", nil)
		}
		return fmt.Errorf("load payment intent: %w", err)
	}
	_, _, err = s.validate(ctx, intent, paymentHeader)
	s.observeVerification(intent.Scheme, err)
	return err
}

// Authorize accepts a client authorization for an intent: validate the
// header, bind the transaction, force a node scan so confirmations reflect
// reality, and report the resulting state. Re-presenting the authorization
// of an already bound intent is an idempotent success.
func (s *Service) Authorize(ctx context.Context, intentID, paymentHeader string) (*AuthorizeResult, error) {
	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, x402.NewVerificationError(apperrors.ErrCodeIntentNotFound, "unknown payment intent", nil)
		}
		return nil, fmt.Errorf("load payment intent: %w", err)
	}

	txid, from, err := s.validate(ctx, intent, paymentHeader)
	s.observeVerification(intent.Scheme, err)
	if err != nil {
		return nil, err
	}

	if err := s.bind(ctx, &intent, txid, from); err != nil {
		return nil, err
	}

	// Ask the node for the transaction right away instead of waiting for the
	// next scan tick. Failures here are not fatal; the monitor will catch up.
	if s.scanner != nil {
		if err := s.scanner.ScanPaymentIntent(ctx, intent.ID); err != nil {
			log.Warn().Err(err).Str("intent_id", intent.ID).Msg("facilitator.force_scan_failed")
		}
	}

	intent, err = s.store.GetPaymentIntent(ctx, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("reload payment intent: %w", err)
	}

	log.Info().
		Str("intent_id", intent.ID).
		Str("txid", txid).
		Str("state", string(intent.State)).
		Int("confirmations", intent.Confirmations).
		Msg("facilitator.authorization_accepted")

	return &AuthorizeResult{
		Intent: intent,
		Response: &x402.SettlementResponse{
			Success:       true,
			TxHash:        intent.ObservedTxid,
			Confirmations: intent.Confirmations,
			SettledAt:     intent.SettledAt,
		},
	}, nil
}

// SettleResult reports the settlement state of an authorization.
type SettleResult struct {
	Success       bool       `json:"success"`
	TxHash        string     `json:"txHash,omitempty"`
	Confirmations int        `json:"confirmations"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Settle accepts an authorization and reports whether the payment has
// reached finality. Success means Settled; an accepted but still confirming
// payment reports its current confirmation count with success false. Calling
// Settle on a settled intent is idempotent.
func (s *Service) Settle(ctx context.Context, intentID, paymentHeader string) (*SettleResult, error) {
	intent, err := s.store.GetPaymentIntent(ctx, intentID)
	if err == nil && intent.State == storage.StateSettled {
		return &SettleResult{
			Success:       true,
			TxHash:        intent.ObservedTxid,
			Confirmations: intent.Confirmations,
			SettledAt:     intent.SettledAt,
		}, nil
	}

	res, err := s.Authorize(ctx, intentID, paymentHeader)
	if err != nil {
		return nil, err
	}

	out := &SettleResult{
		TxHash:        res.Intent.ObservedTxid,
		Confirmations: res.Intent.Confirmations,
		SettledAt:     res.Intent.SettledAt,
	}
	if res.Intent.State == storage.StateSettled {
		out.Success = true
	} else {
		out.Error = fmt.Sprintf("payment has %d of %d required confirmations",
			res.Intent.Confirmations, s.requiredConfirmations(res.Intent))
	}
	return out, nil
}

// validate runs protocol validation and returns the authorization's txid and
// sender. It rejects authorizations against terminal or expired intents.
func (s *Service) validate(ctx context.Context, intent storage.PaymentIntent, paymentHeader string) (txid, from string, err error) {
	if intent.State.IsTerminal() {
		return "", "", x402.NewVerificationError(apperrors.ErrCodeAlreadyTerminal,
			fmt.Sprintf("payment intent is %s", intent.State), nil)
	}
	if time.Now().After(intent.ExpiresAt) && intent.ObservedTxid == "" {
		return "", "", x402.NewVerificationError(apperrors.ErrCodeChallengeExpired, "payment intent has expired", nil)
	}

	auth, err := x402.ParsePaymentHeader(paymentHeader)
	if err != nil {
		return "", "", err
	}

	ve := x402.ValidateAuthorization(auth, x402.Requirements{
		Scheme:  intent.Scheme,
		Network: intent.Network,
		Amount:  intent.Amount,
		PayTo:   intent.PayToAddress,
	}, x402.ValidateOptions{
		TimestampMax: s.protocol.TimestampTolerance.Duration,
		IntentID:     intent.ID,
		BoundIntent: func(txid string) (string, bool) {
			bound, err := s.store.FindIntentByTxID(ctx, txid)
			if err != nil {
				return "", false
			}
			return bound.ID, true
		},
	})
	if ve != nil {
		return "", "", ve
	}

	switch auth.Scheme {
	case x402.SchemeTransparent:
		p, err := auth.TransparentPayload()
		if err != nil {
			return "", "", err
		}
		return p.TxID, p.From, nil
	default:
		p, err := auth.ShieldedPayload()
		if err != nil {
			return "", "", err
		}
		return p.TxID, "", nil
	}
}

// bind moves the intent to AwaitingConfirmation with the authorized txid.
// Losing the race to the monitor is fine as long as the same transaction
// won; a different txid on the intent is a conflict.
func (s *Service) bind(ctx context.Context, intent *storage.PaymentIntent, txid, from string) error {
	if intent.ObservedTxid == txid && intent.State != storage.StateCreated {
		return nil
	}

	now := time.Now().UTC()
	err := s.store.TryTransition(ctx, intent.ID, storage.StateCreated, storage.StateAwaitingConfirmation, storage.IntentPatch{
		ObservedTxid: &txid,
		ObservedFrom: &from,
		ObservedAt:   &now,
	})
	if err == nil {
		if s.metrics != nil {
			s.metrics.ObserveTransition(string(storage.StateCreated), string(storage.StateAwaitingConfirmation))
		}
		return nil
	}
	if errors.Is(err, storage.ErrStaleState) || errors.Is(err, storage.ErrAlreadyTerminal) {
		current, getErr := s.store.GetPaymentIntent(ctx, intent.ID)
		if getErr == nil && current.ObservedTxid == txid {
			*intent = current
			return nil
		}
		return x402.NewVerificationError(apperrors.ErrCodeDoubleSpend,
			"payment intent is already bound to a different transaction", err)
	}
	return fmt.Errorf("bind transaction: %w", err)
}

func (s *Service) requiredConfirmations(intent storage.PaymentIntent) int {
	if intent.RequiredConfirmations > 0 {
		return intent.RequiredConfirmations
	}
	return s.protocol.RequiredConfirmations
}

func (s *Service) observeVerification(scheme string, err error) {
	if s.metrics == nil {
		return
	}
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	s.metrics.ObserveVerification(scheme, result)
}
