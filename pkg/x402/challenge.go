package x402

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/money"
)

// Challenge is a signed payment offer. The signature commits to every
// canonical field; changing any of them invalidates it.
type Challenge struct {
	PaymentIntentID string        `json:"paymentIntentId"`
	Amount          money.Zatoshi `json:"amount"`
	PayTo           string        `json:"payTo"`
	Scheme          string        `json:"scheme"`
	Network         string        `json:"network"`
	Nonce           string        `json:"nonce"`
	IssuedAt        int64         `json:"issuedAt"`
	ExpiresAt       int64         `json:"expiresAt"`
	Signature       string        `json:"signature,omitempty"`
}

// ChallengeParams are the caller-supplied inputs to IssueChallenge.
type ChallengeParams struct {
	PaymentIntentID string
	Amount          money.Zatoshi
	PayTo           string
	Scheme          string
	Network         string
	TTL             time.Duration // 0 means DefaultChallengeTTL
}

// Signer issues and verifies facilitator challenge signatures using
// HMAC-SHA-256 with a long-lived facilitator secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a challenge signer. The secret must be at least 32 bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("challenge signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Signer{secret: secret}, nil
}

// canonicalChallenge is the exact byte form the signature commits to. Field
// order is fixed by the struct declaration, so json.Marshal is deterministic.
type canonicalChallenge struct {
	PaymentIntentID string        `json:"paymentIntentId"`
	Amount          money.Zatoshi `json:"amount"`
	PayTo           string        `json:"payTo"`
	Scheme          string        `json:"scheme"`
	Network         string        `json:"network"`
	Nonce           string        `json:"nonce"`
	IssuedAt        int64         `json:"issuedAt"`
	ExpiresAt       int64         `json:"expiresAt"`
}

func (s *Signer) sign(ch *Challenge) (string, error) {
	canonical, err := json.Marshal(canonicalChallenge{
		PaymentIntentID: ch.PaymentIntentID,
		Amount:          ch.Amount,
		PayTo:           ch.PayTo,
		Scheme:          ch.Scheme,
		Network:         ch.Network,
		Nonce:           ch.Nonce,
		IssuedAt:        ch.IssuedAt,
		ExpiresAt:       ch.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal canonical challenge: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IssueChallenge creates and signs a challenge. TTLs above MaxChallengeTTL
// are clamped; a zero TTL uses the default.
func (s *Signer) IssueChallenge(params ChallengeParams, now time.Time) (*Challenge, error) {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if ttl > MaxChallengeTTL {
		ttl = MaxChallengeTTL
	}

	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	ch := &Challenge{
		PaymentIntentID: params.PaymentIntentID,
		Amount:          params.Amount,
		PayTo:           params.PayTo,
		Scheme:          params.Scheme,
		Network:         params.Network,
		Nonce:           hex.EncodeToString(nonce),
		IssuedAt:        now.Unix(),
		ExpiresAt:       now.Add(ttl).Unix(),
	}

	sig, err := s.sign(ch)
	if err != nil {
		return nil, err
	}
	ch.Signature = sig
	return ch, nil
}

// VerifyChallenge recomputes the signature and checks expiry. Tampering with
// any canonical field yields ErrCodeChallengeInvalid; a correctly signed but
// expired challenge yields ErrCodeChallengeExpired.
func (s *Signer) VerifyChallenge(ch *Challenge, now time.Time) error {
	expected, err := s.sign(ch)
	if err != nil {
		return NewVerificationError(apperrors.ErrCodeChallengeInvalid, "challenge canonicalization failed", err)
	}
	if !hmac.Equal([]byte(expected), []byte(ch.Signature)) {
		return NewVerificationError(apperrors.ErrCodeChallengeInvalid, "challenge signature mismatch", nil)
	}
	if now.Unix() > ch.ExpiresAt {
		return NewVerificationError(apperrors.ErrCodeChallengeExpired, "challenge has expired", nil)
	}
	return nil
}
