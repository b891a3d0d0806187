// Package signing authenticates agent status reports. A report carries a
// static API key plus an HMAC-SHA256 signature over "<timestamp>.<body>",
// where timestamp is Unix milliseconds. Both the key check and the
// signature check accept the current key and, during rotation, the
// previous one.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request headers used by the agent channel.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// DefaultTolerance bounds clock skew and replay of captured requests.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature means no valid key produced the presented signature.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrTimestampInvalid means the timestamp header is not a millisecond epoch.
	ErrTimestampInvalid = errors.New("invalid timestamp")
	// ErrTimestampExpired means the timestamp is outside the tolerance window.
	ErrTimestampExpired = errors.New("request timestamp expired")
	// ErrNoKey is returned when a KeySet is built without a current key.
	ErrNoKey = errors.New("current key is required")
)

// Signed is a payload ready to send: Body must be transmitted byte for byte
// so the verifier hashes exactly what was signed.
type Signed struct {
	Signature string
	Timestamp string
	Body      []byte
}

// Compute returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
func Compute(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBody signs an already-serialized body at time now.
func SignBody(body []byte, secret []byte, now time.Time) Signed {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return Signed{
		Signature: Compute(secret, ts, body),
		Timestamp: ts,
		Body:      body,
	}
}

// Sign serializes payload as JSON and signs the resulting bytes.
func Sign(payload any, secret []byte, now time.Time) (Signed, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Signed{}, fmt.Errorf("encoding payload: %w", err)
	}
	return SignBody(body, secret, now), nil
}

// checkTimestamp parses a millisecond timestamp and enforces tolerance.
func checkTimestamp(timestamp string, now time.Time, tolerance time.Duration) error {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestampInvalid
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrTimestampExpired
	}
	return nil
}
