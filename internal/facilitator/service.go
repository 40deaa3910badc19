package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/pkg/x402"
)

// Scanner forces a confirmation refresh of one intent against the node.
type Scanner interface {
	ScanPaymentIntent(ctx context.Context, intentID string) error
}

// Options configures the facilitator service.
type Options struct {
	Store    storage.Store
	Scanner  Scanner // nil disables the post-bind force scan
	Signer   *x402.Signer
	Protocol config.ProtocolConfig
	Metrics  *metrics.Metrics
}

// Service is the payment facilitator core: it issues signed challenges,
// accepts client authorizations, and drives intents to settlement or refund.
// All state lives in the store; the service itself is stateless.
type Service struct {
	store    storage.Store
	scanner  Scanner
	signer   *x402.Signer
	protocol config.ProtocolConfig
	metrics  *metrics.Metrics
}

// New creates a facilitator service.
func New(opts Options) *Service {
	return &Service{
		store:    opts.Store,
		scanner:  opts.Scanner,
		signer:   opts.Signer,
		protocol: opts.Protocol,
		metrics:  opts.Metrics,
	}
}

// Kind is one supported (scheme, network) pair.
type Kind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedKinds lists the payment kinds this facilitator accepts.
func (s *Service) SupportedKinds() []Kind {
	return []Kind{
		{Scheme: x402.SchemeTransparent, Network: s.protocol.Network},
		{Scheme: x402.SchemeShielded, Network: s.protocol.Network},
	}
}

// ChallengeRequest is the input to IssueChallenge.
type ChallengeRequest struct {
	Merchant storage.Merchant
	Resource string
	Amount   money.Zatoshi
	Scheme   string        // default transparent
	TTL      time.Duration // 0 uses the configured challenge TTL
	Metadata map[string]string
}

// IssuedChallenge is a created intent plus the signed challenge and the 402
// response material derived from it.
type IssuedChallenge struct {
	Intent    storage.PaymentIntent
	Challenge *x402.Challenge
	Body      x402.ChallengeBody
}

// Requirements returns the validation-relevant projection of the challenge.
func (c *IssuedChallenge) Requirements() x402.Requirements {
	return x402.Requirements{
		Scheme:  c.Intent.Scheme,
		Network: c.Intent.Network,
		Amount:  c.Intent.Amount,
		PayTo:   c.Intent.PayToAddress,
	}
}

// PaymentRequiredHeader renders the X-Payment-Required value:
// base64 of the requirements JSON.
func (c *IssuedChallenge) PaymentRequiredHeader() (string, error) {
	data, err := json.Marshal(c.Requirements())
	if err != nil {
		return "", fmt.Errorf("marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// WWWAuthenticateHeader renders the WWW-Authenticate value for the merchant.
func (c *IssuedChallenge) WWWAuthenticateHeader(merchantName string) string {
	return fmt.Sprintf("x402 realm=%q", merchantName)
}

// IssueChallenge creates a payment intent in Created and signs the matching
// challenge. The intent and challenge share the ID, nonce, signature, and
// expiry, so a presented authorization can always be checked against the
// stored intent alone.
func (s *Service) IssueChallenge(ctx context.Context, req ChallengeRequest) (*IssuedChallenge, error) {
	if req.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = x402.SchemeTransparent
	}
	if scheme != x402.SchemeTransparent && scheme != x402.SchemeShielded {
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}

	payTo := req.Merchant.PayToAddress
	if payTo == "" {
		payTo = s.protocol.PayToAddress
	}
	if payTo == "" {
		return nil, fmt.Errorf("merchant has no receiving address")
	}
	if err := x402.ValidateAddress(payTo, s.protocol.Network, scheme); err != nil {
		return nil, fmt.Errorf("receiving address: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.protocol.ChallengeTTL.Duration
	}

	intentID := "pi_" + uuid.NewString()
	now := time.Now().UTC()

	ch, err := s.signer.IssueChallenge(x402.ChallengeParams{
		PaymentIntentID: intentID,
		Amount:          req.Amount,
		PayTo:           payTo,
		Scheme:          scheme,
		Network:         s.protocol.Network,
		TTL:             ttl,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}

	intent := storage.PaymentIntent{
		ID:                    intentID,
		MerchantID:            req.Merchant.ID,
		Resource:              req.Resource,
		Scheme:                scheme,
		Network:               s.protocol.Network,
		Amount:                req.Amount,
		PayToAddress:          payTo,
		State:                 storage.StateCreated,
		Nonce:                 ch.Nonce,
		ChallengeSignature:    ch.Signature,
		RequiredConfirmations: req.Merchant.RequiredConfirmations,
		Metadata:              req.Metadata,
		ExpiresAt:             time.Unix(ch.ExpiresAt, 0).UTC(),
		CreatedAt:             now,
	}
	if err := s.store.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IntentsCreatedTotal.Inc()
	}
	log.Info().
		Str("intent_id", intentID).
		Str("merchant_id", req.Merchant.ID).
		Str("resource", req.Resource).
		Str("scheme", scheme).
		Int64("amount_zat", req.Amount.Int64()).
		Msg("facilitator.challenge_issued")

	return &IssuedChallenge{
		Intent:    intent,
		Challenge: ch,
		Body: x402.ChallengeBody{
			PaymentID: intentID,
			Amount:    req.Amount,
			Currency:  "ZEC",
			PayTo:     payTo,
			Resource:  req.Resource,
			ExpiresAt: intent.ExpiresAt,
			Nonce:     ch.Nonce,
			Signature: ch.Signature,
			Scheme:    scheme,
			Network:   s.protocol.Network,
			Version:   x402.ProtocolVersion,
		},
	}, nil
}
