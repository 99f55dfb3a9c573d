package auth

import (
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixDigits = regexp.MustCompile(`^\d{6}$`)

func TestGenerateCode_SixDigits(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, sixDigits, code)
	}
}

func TestGenerateLinkToken(t *testing.T) {
	token, hashHex, err := GenerateLinkToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, HashToken(token), hashHex)

	_, other, err := GenerateLinkToken()
	require.NoError(t, err)
	assert.NotEqual(t, hashHex, other, "tokens must not repeat")
}

func TestHashCode(t *testing.T) {
	h1 := HashCode("a@b.com", "123456", "salt")
	h2 := HashCode("a@b.com", "123456", "salt")
	assert.Equal(t, h1, h2, "hash should be deterministic")

	decoded, err := hex.DecodeString(h1)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	assert.NotEqual(t, h1, HashCode("c@d.com", "123456", "salt"))
	assert.NotEqual(t, h1, HashCode("a@b.com", "654321", "salt"))
	assert.NotEqual(t, h1, HashCode("a@b.com", "123456", "pepper"))
}

func TestHashClientAddr(t *testing.T) {
	h := HashClientAddr("10.0.0.1:4242", "salt")
	assert.Equal(t, h, HashClientAddr("10.0.0.1:4242", "salt"))
	assert.NotEqual(t, h, HashClientAddr("10.0.0.2:4242", "salt"))
}
