package security

import (
	"testing"
	"time"

	libauth "github.com/antonespo/papernote-sub000/libs/auth"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()

	token, err := NewAccessToken("user-1", "alice01", secret, "papernote-auth", "papernote", 15*time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := libauth.ParseJWT(token, secret, "papernote-auth", "papernote")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("expected subject user-1, got %s", claims.Subject)
	}
	if claims.Name != "alice01" {
		t.Fatalf("expected name alice01, got %s", claims.Name)
	}
	if claims.ID == "" {
		t.Fatalf("expected a jti claim")
	}
}

func TestAccessTokenUniqueID(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()

	first, err := NewAccessToken("user-1", "alice01", secret, "iss", "aud", time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := NewAccessToken("user-1", "alice01", secret, "iss", "aud", time.Minute, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if libauth.TokenID(first) == libauth.TokenID(second) {
		t.Fatalf("expected unique token ids")
	}
}
