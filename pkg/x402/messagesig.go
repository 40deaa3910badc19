package x402

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/ripemd160"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
)

// messagePrefix is the Bitcoin signed-message prefix. The leading \x18 is the
// varint length of the prefix string itself.
const messagePrefix = "\x18Bitcoin Signed Message:\n"

// SigningMessage is the canonical message a wallet signs to authorize a
// transparent payment: txid, amount in zatoshis, recipient, and unix
// timestamp, colon-separated.
func SigningMessage(p *TransparentPayload) string {
	return fmt.Sprintf("%s:%d:%s:%d", p.TxID, p.Amount, p.To, p.Timestamp)
}

// MessageHash computes doubleSHA256(prefix | varint(len(msg)) | msg), the
// digest wallets sign for Bitcoin-compatible signed messages.
func MessageHash(msg string) []byte {
	var buf bytes.Buffer
	buf.WriteString(messagePrefix)
	// wire.WriteVarInt to a bytes.Buffer cannot fail.
	_ = wire.WriteVarInt(&buf, 0, uint64(len(msg)))
	buf.WriteString(msg)
	return doubleSHA256(buf.Bytes())
}

func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

func p2pkhPrefix(network string) ([2]byte, error) {
	switch network {
	case NetworkMainnet:
		return mainnetP2PKHPrefix, nil
	case NetworkTestnet:
		return testnetP2PKHPrefix, nil
	default:
		return [2]byte{}, fmt.Errorf("unknown network %q", network)
	}
}

// PubKeyAddress derives the transparent P2PKH address for a serialized
// secp256k1 public key on the given network.
func PubKeyAddress(pubKey []byte, network string) (string, error) {
	prefix, err := p2pkhPrefix(network)
	if err != nil {
		return "", err
	}
	return encodeBase58Check(prefix, hash160(pubKey)), nil
}

// VerifyTransparentSignature checks the 65-byte compact signature in a
// transparent payload: it recovers the signing public key from the signature
// over SigningMessage(p), derives the P2PKH address, and compares it to
// p.From.
func VerifyTransparentSignature(p *TransparentPayload, network string) error {
	raw, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return NewVerificationError(apperrors.ErrCodeBadSignature, "signature is not valid base64", err)
	}
	if len(raw) != 65 {
		return NewVerificationError(apperrors.ErrCodeBadSignature, "signature is not 65 bytes", nil)
	}

	// Accept both a raw recovery id (0-3) and the conventional header byte
	// (27-34).
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[0] < 27 {
		sig[0] += 27
	}

	hash := MessageHash(SigningMessage(p))
	pubKey, compressed, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return NewVerificationError(apperrors.ErrCodeBadSignature, "public key recovery failed", err)
	}

	var serialized []byte
	if compressed {
		serialized = pubKey.SerializeCompressed()
	} else {
		serialized = pubKey.SerializeUncompressed()
	}

	addr, err := PubKeyAddress(serialized, network)
	if err != nil {
		return NewVerificationError(apperrors.ErrCodeBadSignature, "address derivation failed", err)
	}
	if addr != p.From {
		return NewVerificationError(apperrors.ErrCodeBadSignature, "recovered address does not match sender", nil)
	}
	return nil
}
