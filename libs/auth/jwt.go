package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access-token claim set. The auth service signs with this type
// and every service validates with it.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func ParseJWT(tokenString string, secret []byte, issuer, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAccessToken reports whether the token verifies against the signing
// key, issuer, audience, and expiry. No clock skew is tolerated.
func ValidateAccessToken(tokenString string, secret []byte, issuer, audience string) bool {
	_, err := ParseJWT(tokenString, secret, issuer, audience)
	return err == nil
}

// TokenID returns the jti claim without verifying the signature. Empty on any
// parse failure.
func TokenID(tokenString string) string {
	claims := unverifiedClaims(tokenString)
	if claims == nil {
		return ""
	}
	return claims.ID
}

// Expiration returns the exp claim without verifying the signature. Zero time
// on any parse failure.
func Expiration(tokenString string) time.Time {
	claims := unverifiedClaims(tokenString)
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func unverifiedClaims(tokenString string) *Claims {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return nil
	}
	return &claims
}

func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
