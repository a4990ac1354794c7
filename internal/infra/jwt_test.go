package infra

import (
	"context"
	"testing"
	"time"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	tok, err := SignJWT("secret", "driver42", "provider", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := NewJWTVerifier("secret").VerifyIDToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.UID != "driver42" {
		t.Errorf("uid = %s, want driver42", got.UID)
	}
	if got.Claims["role"] != "provider" {
		t.Errorf("role claim = %v, want provider", got.Claims["role"])
	}
}

func TestJWTVerifierRejects(t *testing.T) {
	expired, _ := SignJWT("secret", "u1", "", -time.Minute)
	wrongKey, _ := SignJWT("other", "u1", "", time.Minute)
	for name, tok := range map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"garbage":   "not.a.token",
	} {
		if _, err := NewJWTVerifier("secret").VerifyIDToken(context.Background(), tok); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
