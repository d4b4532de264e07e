package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

type TokenGenerator interface {
	New() (token string, hash string, err error)
}

type DefaultTokenGenerator struct{}

// New returns a 64-byte random refresh secret and its lookup hash. The raw
// secret is handed to the caller exactly once and never persisted.
func (DefaultTokenGenerator) New() (string, string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken is a deterministic fast hash: refresh secrets carry enough
// entropy that a KDF is unnecessary, and the hash doubles as the indexed
// database lookup key.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
