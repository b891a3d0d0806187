package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername returns the canonical form of a login name. Both
// provisioning and lookup go through it so that visually identical
// names compose to the same bytes.
func NormalizeUsername(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// TokenPrefix returns a log-safe prefix of an opaque token.
func TokenPrefix(token string) string {
	if token == "" {
		return "none"
	}
	if len(token) <= 8 {
		return token + "..."
	}
	return token[:8] + "..."
}
