package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateCode returns a random 6-digit numeric one-time code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateLinkToken returns a random Base64URL token (32 bytes) and its
// SHA-256 hash as hex.
func GenerateLinkToken() (token string, hashHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, HashToken(token), nil
}

// HashCode returns SHA-256(identifier:code:salt) as hex for storage; the
// plaintext code is never persisted.
func HashCode(identifier, code, salt string) string {
	hash := sha256.Sum256([]byte(identifier + ":" + code + ":" + salt))
	return hex.EncodeToString(hash[:])
}

// HashToken returns SHA-256 hex of a token (link or refresh).
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// HashClientAddr returns SHA-256(addr:salt) hex; raw client addresses are
// never stored.
func HashClientAddr(addr, salt string) string {
	hash := sha256.Sum256([]byte(addr + ":" + salt))
	return hex.EncodeToString(hash[:])
}
