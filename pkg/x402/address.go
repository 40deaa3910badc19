package x402

import (
	"bytes"
	"crypto/sha256"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"

	apperrors "github.com/ZecPay/facilitator/internal/errors"
)

// Zcash transparent addresses are Base58Check with a two-byte version prefix,
// so the one-byte helpers in the base58 package do not apply and the checksum
// is handled here.

func doubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// encodeBase58Check encodes a two-byte version prefix plus payload.
func encodeBase58Check(version [2]byte, payload []byte) string {
	buf := make([]byte, 0, 2+len(payload)+4)
	buf = append(buf, version[0], version[1])
	buf = append(buf, payload...)
	checksum := doubleSHA256(buf)[:4]
	buf = append(buf, checksum...)
	return base58.Encode(buf)
}

// decodeBase58Check decodes an address into its two-byte version prefix and
// payload, verifying the trailing four-byte checksum.
func decodeBase58Check(addr string) (version [2]byte, payload []byte, ok bool) {
	decoded := base58.Decode(addr)
	if len(decoded) < 2+4 {
		return version, nil, false
	}
	body := decoded[:len(decoded)-4]
	checksum := decoded[len(decoded)-4:]
	if !bytes.Equal(doubleSHA256(body)[:4], checksum) {
		return version, nil, false
	}
	version[0], version[1] = body[0], body[1]
	return version, body[2:], true
}

// ValidateTransparentAddress checks that addr is a well-formed transparent
// address for the given network (P2PKH or P2SH prefix, valid checksum,
// 20-byte hash).
func ValidateTransparentAddress(addr, network string) error {
	version, payload, ok := decodeBase58Check(addr)
	if !ok {
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "address is not valid Base58Check", nil)
	}
	if len(payload) != 20 {
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "address payload is not a 20-byte hash", nil)
	}

	switch network {
	case NetworkMainnet:
		if version != mainnetP2PKHPrefix && version != mainnetP2SHPrefix {
			return NewVerificationError(apperrors.ErrCodeInvalidAddress, "address prefix is not a mainnet transparent prefix", nil)
		}
	case NetworkTestnet:
		if version != testnetP2PKHPrefix && version != testnetP2SHPrefix {
			return NewVerificationError(apperrors.ErrCodeInvalidAddress, "address prefix is not a testnet transparent prefix", nil)
		}
	default:
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "unknown network", nil)
	}
	return nil
}

// ValidateShieldedAddress checks the human-readable prefix and length band of
// a Sapling address. Cryptographic validity is delegated to the node.
func ValidateShieldedAddress(addr, network string) error {
	if len(addr) < shieldedMinLen || len(addr) > shieldedMaxLen {
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "shielded address length out of range", nil)
	}

	switch network {
	case NetworkMainnet:
		if !strings.HasPrefix(addr, mainnetSaplingPrefix) {
			return NewVerificationError(apperrors.ErrCodeInvalidAddress, "shielded address prefix is not a mainnet prefix", nil)
		}
	case NetworkTestnet:
		if !strings.HasPrefix(addr, testnetSaplingPrefix) {
			return NewVerificationError(apperrors.ErrCodeInvalidAddress, "shielded address prefix is not a testnet prefix", nil)
		}
	default:
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "unknown network", nil)
	}
	return nil
}

// ValidateAddress dispatches on scheme.
func ValidateAddress(addr, network, scheme string) error {
	switch scheme {
	case SchemeTransparent:
		return ValidateTransparentAddress(addr, network)
	case SchemeShielded:
		return ValidateShieldedAddress(addr, network)
	default:
		return NewVerificationError(apperrors.ErrCodeInvalidAddress, "unknown scheme", nil)
	}
}
