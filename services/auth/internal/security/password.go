package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  32,
		KeyLength:   32,
	}
}

// HashPassword derives an argon2id hash and returns base64(salt||hash). The
// salt is generated fresh per call, so two hashes of the same password differ.
func HashPassword(password string, params Argon2Params) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("password must not be empty")
	}

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return base64.RawStdEncoding.EncodeToString(append(salt, hash...)), nil
}

// VerifyPassword recomputes the hash with the salt embedded in encoded and
// compares in constant time. It never fails hard: empty input, a malformed
// encoding, or a length mismatch all report false.
func VerifyPassword(password, encoded string, params Argon2Params) bool {
	if password == "" || encoded == "" {
		return false
	}

	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	if uint32(len(raw)) != params.SaltLength+params.KeyLength {
		return false
	}

	salt := raw[:params.SaltLength]
	hash := raw[params.SaltLength:]

	computed := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
	return subtle.ConstantTimeCompare(hash, computed) == 1
}
