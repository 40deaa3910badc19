package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
	"github.com/ZecPay/facilitator/internal/money"
)

// Authorization is the envelope carried in the X-Payment header:
// base64(JSON) of {x402Version, scheme, network, payload}.
type Authorization struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// TransparentPayload is the authorization payload for the transparent scheme.
type TransparentPayload struct {
	TxID      string        `json:"txid"`
	Amount    money.Zatoshi `json:"amount"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Signature string        `json:"signature"` // base64, 65 bytes: recoveryId | r | s
	Timestamp int64         `json:"timestamp"` // unix seconds
}

// ShieldedPayload is the authorization payload for the shielded scheme.
// There is no sender address or client signature; on-chain existence is
// authoritative for shielded payments.
type ShieldedPayload struct {
	TxID   string        `json:"txid"`
	Amount money.Zatoshi `json:"amount"`
	To     string        `json:"to"`
	Memo   string        `json:"memo,omitempty"`
}

// Requirements is what the merchant demands of an authorization. It is the
// validation-relevant projection of a challenge.
type Requirements struct {
	Scheme  string        `json:"scheme"`
	Network string        `json:"network"`
	Amount  money.Zatoshi `json:"amount"`
	PayTo   string        `json:"payTo"`
}

// ChallengeBody is the JSON body of a 402 Payment Required response.
type ChallengeBody struct {
	PaymentID string        `json:"paymentId"`
	Amount    money.Zatoshi `json:"amount"`
	Currency  string        `json:"currency"`
	PayTo     string        `json:"payTo"`
	Resource  string        `json:"resource"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Nonce     string        `json:"nonce"`
	Signature string        `json:"signature"`
	Scheme    string        `json:"scheme"`
	Network   string        `json:"network"`
	Version   int           `json:"version"`
}

// SettlementResponse is carried base64-encoded in the X-Payment-Response
// header once an authorization has been accepted.
type SettlementResponse struct {
	Success       bool       `json:"success"`
	TxHash        string     `json:"txHash"`
	Confirmations int        `json:"confirmations"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// ParsePaymentHeader decodes an X-Payment header value. The value is
// base64(JSON); raw JSON is accepted too for clients that skip the encoding
// step. Any structural failure maps to ErrCodeMalformedHeader.
func ParsePaymentHeader(header string) (*Authorization, error) {
	if header == "" {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "empty payment header", nil)
	}

	raw := []byte(header)
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		raw = decoded
	}

	var auth Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "payment header is not valid JSON", err)
	}
	if len(auth.Payload) == 0 {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "payment header has no payload", nil)
	}
	return &auth, nil
}

// TransparentPayload decodes the envelope payload as a transparent
// authorization.
func (a *Authorization) TransparentPayload() (*TransparentPayload, error) {
	var p TransparentPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "malformed transparent payload", err)
	}
	if p.TxID == "" || p.To == "" {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "transparent payload missing txid or to", nil)
	}
	return &p, nil
}

// ShieldedPayload decodes the envelope payload as a shielded authorization.
func (a *Authorization) ShieldedPayload() (*ShieldedPayload, error) {
	var p ShieldedPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "malformed shielded payload", err)
	}
	if p.TxID == "" || p.To == "" {
		return nil, NewVerificationError(apperrors.ErrCodeMalformedHeader, "shielded payload missing txid or to", nil)
	}
	return &p, nil
}

// EncodePaymentHeader renders an authorization as an X-Payment header value.
// EncodePaymentHeader and ParsePaymentHeader round-trip.
func EncodePaymentHeader(auth *Authorization) (string, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// NewTransparentAuthorization wraps a transparent payload in an envelope.
func NewTransparentAuthorization(network string, payload *TransparentPayload) (*Authorization, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transparent payload: %w", err)
	}
	return &Authorization{
		X402Version: ProtocolVersion,
		Scheme:      SchemeTransparent,
		Network:     network,
		Payload:     raw,
	}, nil
}

// NewShieldedAuthorization wraps a shielded payload in an envelope.
func NewShieldedAuthorization(network string, payload *ShieldedPayload) (*Authorization, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal shielded payload: %w", err)
	}
	return &Authorization{
		X402Version: ProtocolVersion,
		Scheme:      SchemeShielded,
		Network:     network,
		Payload:     raw,
	}, nil
}

// EncodeSettlementResponse renders an X-Payment-Response header value.
func EncodeSettlementResponse(resp *SettlementResponse) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementResponse parses an X-Payment-Response header value.
func DecodeSettlementResponse(header string) (*SettlementResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode settlement response: %w", err)
	}
	var resp SettlementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse settlement response: %w", err)
	}
	return &resp, nil
}
