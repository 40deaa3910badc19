// x402pay builds a signed X-Payment header answering a facilitator
// challenge, and can optionally submit it to the verify/settle endpoints.
// It exists for manual end-to-end testing against a running facilitator;
// the transaction named by -txid must actually pay the challenge address.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/ZecPay/facilitator/pkg/x402"
)

func main() {
	var (
		challenge = flag.String("challenge", "", "challenge body: base64 X-Payment-Required value or raw JSON")
		txid      = flag.String("txid", "", "txid of the transaction paying the challenge")
		key       = flag.String("key", "", "hex-encoded secp256k1 private key (transparent scheme)")
		memo      = flag.String("memo", "", "memo carried in a shielded payment")
		server    = flag.String("server", "http://localhost:8080", "facilitator base URL")
		verify    = flag.Bool("verify", false, "POST the header to /verify-standard")
		settle    = flag.Bool("settle", false, "POST the header to /settle-standard")
	)
	flag.Parse()

	if *challenge == "" {
		log.Fatal("challenge flag is required")
	}
	if *txid == "" {
		log.Fatal("txid flag is required")
	}

	body, err := decodeChallenge(*challenge)
	if err != nil {
		log.Fatalf("decode challenge: %v", err)
	}

	var auth *x402.Authorization
	switch body.Scheme {
	case x402.SchemeShielded:
		auth, err = x402.NewShieldedAuthorization(body.Network, &x402.ShieldedPayload{
			TxID:   *txid,
			Amount: body.Amount,
			To:     body.PayTo,
			Memo:   *memo,
		})
	default:
		if *key == "" {
			log.Fatal("key flag is required for transparent payments")
		}
		auth, err = transparentAuthorization(body, *txid, *key)
	}
	if err != nil {
		log.Fatalf("build authorization: %v", err)
	}

	header, err := x402.EncodePaymentHeader(auth)
	if err != nil {
		log.Fatalf("encode payment header: %v", err)
	}

	fmt.Println("X-Payment:", header)
	fmt.Println("X-Payment-ID:", body.PaymentID)

	if *verify {
		post(*server+"/verify-standard", body, header)
	}
	if *settle {
		post(*server+"/settle-standard", body, header)
	}
}

// decodeChallenge accepts either the base64 X-Payment-Required header value
// or the raw JSON challenge body a 402 response carries.
func decodeChallenge(s string) (*x402.ChallengeBody, error) {
	raw := []byte(s)
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		raw = decoded
	}
	var body x402.ChallengeBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	if body.PaymentID == "" {
		return nil, fmt.Errorf("challenge has no payment id")
	}
	return &body, nil
}

func transparentAuthorization(body *x402.ChallengeBody, txid, keyHex string) (*x402.Authorization, error) {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	from, err := x402.PubKeyAddress(priv.PubKey().SerializeCompressed(), body.Network)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}

	payload := &x402.TransparentPayload{
		TxID:      txid,
		Amount:    body.Amount,
		From:      from,
		To:        body.PayTo,
		Timestamp: time.Now().Unix(),
	}
	sig := ecdsa.SignCompact(priv, x402.MessageHash(x402.SigningMessage(payload)), true)
	payload.Signature = base64.StdEncoding.EncodeToString(sig)

	return x402.NewTransparentAuthorization(body.Network, payload)
}

func post(url string, body *x402.ChallengeBody, header string) {
	reqBody, err := json.Marshal(map[string]any{
		"x402Version":   x402.ProtocolVersion,
		"paymentHeader": header,
		"paymentRequirements": map[string]any{
			"paymentId": body.PaymentID,
			"scheme":    body.Scheme,
			"network":   body.Network,
			"amount":    body.Amount,
			"payTo":     body.PayTo,
		},
	})
	if err != nil {
		log.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s -> %s\n%s\n", url, resp.Status, respBody)
}
