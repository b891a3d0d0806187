package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

// KeySet holds the currently valid shared secrets. Secrets live in memguard
// enclaves and are only decrypted for the duration of a single comparison.
type KeySet struct {
	mu       sync.RWMutex
	current  *memguard.Enclave
	previous *memguard.Enclave
}

// NewKeySet builds a KeySet. previous may be empty when no rotation is in
// progress.
func NewKeySet(current, previous string) (*KeySet, error) {
	if current == "" {
		return nil, ErrNoKey
	}
	ks := &KeySet{current: memguard.NewEnclave([]byte(current))}
	if previous != "" && previous != current {
		ks.previous = memguard.NewEnclave([]byte(previous))
	}
	return ks, nil
}

// Rotating reports whether a previous key is still accepted.
func (k *KeySet) Rotating() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.previous != nil
}

// Destroy drops both keys. Afterwards nothing matches.
func (k *KeySet) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.current, k.previous = nil, nil
}

func (k *KeySet) enclaves() []*memguard.Enclave {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*memguard.Enclave
	for _, e := range []*memguard.Enclave{k.current, k.previous} {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// withKey opens each valid key in turn and reports whether fn returned
// true for any of them.
func (k *KeySet) withKey(fn func(secret []byte) bool) bool {
	matched := false
	for _, e := range k.enclaves() {
		buf, err := e.Open()
		if err != nil {
			continue
		}
		// Every key is checked even after a match so the work done does
		// not depend on which key matched.
		if fn(buf.Bytes()) {
			matched = true
		}
		buf.Destroy()
	}
	return matched
}

// MatchAPIKey reports whether provided equals any valid key. Comparison is
// done on SHA-256 digests so it is constant-time regardless of length.
func (k *KeySet) MatchAPIKey(provided string) bool {
	if provided == "" {
		return false
	}
	want := sha256.Sum256([]byte(provided))
	return k.withKey(func(secret []byte) bool {
		got := sha256.Sum256(secret)
		return subtle.ConstantTimeCompare(want[:], got[:]) == 1
	})
}

// Verify checks a signature over "<timestamp>.<body>" against every valid
// key. It returns ErrTimestampInvalid or ErrTimestampExpired before doing
// any HMAC work, and ErrInvalidSignature when no key matches.
func (k *KeySet) Verify(signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	if err := checkTimestamp(timestamp, now, tolerance); err != nil {
		return err
	}
	presented, err := hex.DecodeString(signature)
	if err != nil || len(presented) != sha256.Size {
		return ErrInvalidSignature
	}
	ok := k.withKey(func(secret []byte) bool {
		expected, _ := hex.DecodeString(Compute(secret, timestamp, body))
		return hmac.Equal(expected, presented)
	})
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}
