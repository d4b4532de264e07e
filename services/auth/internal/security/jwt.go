package security

import (
	"time"

	libauth "github.com/antonespo/papernote-sub000/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NewAccessToken signs an HS256 access token using the shared claims type that
// libs/auth validates, so issuer and verifier cannot drift apart.
func NewAccessToken(userID, username string, secret []byte, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	claims := libauth.Claims{
		Name: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
