package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(32)
	require.NoError(t, err)
	b, err := RandomHex(32)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestNormalizeUsername(t *testing.T) {
	// "e" + combining acute accent composes to U+00E9.
	assert.Equal(t, "caf\u00e9", NormalizeUsername("  cafe\u0301 "))
	assert.Equal(t, "admin", NormalizeUsername("admin"))
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "none", TokenPrefix(""))
	assert.Equal(t, "abc...", TokenPrefix("abc"))
	assert.Equal(t, "01234567...", TokenPrefix("0123456789abcdef"))
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
