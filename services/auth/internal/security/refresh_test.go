package security

import "testing"

func TestTokenGeneratorRoundTrip(t *testing.T) {
	gen := DefaultTokenGenerator{}

	token, hash, err := gen.New()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if token == "" || hash == "" {
		t.Fatalf("expected non-empty token and hash")
	}
	if HashRefreshToken(token) != hash {
		t.Fatalf("expected hash to be derived from token")
	}

	other, otherHash, err := gen.New()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if other == token || otherHash == hash {
		t.Fatalf("expected unique tokens")
	}
}
