package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const signatureVersion = "v1"

// DefaultTolerance is the recommended replay window for receivers verifying
// the X-Timestamp header.
const DefaultTolerance = 5 * time.Minute

// ErrSignatureMismatch is returned when a signature does not match the
// payload.
var ErrSignatureMismatch = errors.New("webhooks: signature mismatch")

// ErrTimestampOutOfRange is returned when the signed timestamp falls outside
// the replay tolerance window.
var ErrTimestampOutOfRange = errors.New("webhooks: timestamp outside tolerance")

// Sign computes the X-Signature header value for a payload: the hex
// HMAC-SHA256 of "<timestamp>.<body>" keyed with the merchant's webhook
// secret, prefixed with the scheme version.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload. A
// tolerance of zero disables the timestamp window check.
func VerifySignature(secret, signature string, timestamp int64, body []byte, now time.Time, tolerance time.Duration) error {
	if !strings.HasPrefix(signature, signatureVersion+"=") {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		ts := time.Unix(timestamp, 0)
		if ts.Before(now.Add(-tolerance)) || ts.After(now.Add(tolerance)) {
			return ErrTimestampOutOfRange
		}
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
