package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func mintToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":  "https://checkout.example.com",
		"sub":  "abc",
		"jti":  "token-1",
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
		"dest": "snow.myshopify.com",
	}
}

func TestVerifier_Valid(t *testing.T) {
	now := time.Now()
	v := NewVerifier(testSecret)

	id, err := v.Verify(mintToken(t, jwt.SigningMethodHS256, testSecret, validClaims(now)))
	if err != nil {
		t.Fatalf("verify: unexpected error: %v", err)
	}
	if id.Subject != "abc" || id.TokenID != "token-1" || id.Issuer != "https://checkout.example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Shop() != "snow.myshopify.com" {
		t.Fatalf("expected shop claim, got %q", id.Shop())
	}
	if id.ExpiresAt.Unix() != now.Add(5*time.Minute).Unix() {
		t.Fatalf("unexpected expiry %v", id.ExpiresAt)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	now := time.Now()

	expired := validClaims(now)
	expired["exp"] = now.Add(-time.Hour).Unix()

	future := validClaims(now)
	future["nbf"] = now.Add(time.Hour).Unix()

	noExpiry := validClaims(now)
	delete(noExpiry, "exp")

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "empty", token: "", reason: "missing"},
		{name: "blank", token: "   ", reason: "missing"},
		{name: "garbage", token: "not-a-jwt", reason: "malformed"},
		{name: "wrong_secret", token: mintToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims(now)), reason: "signature"},
		{name: "wrong_alg", token: mintToken(t, jwt.SigningMethodHS512, testSecret, validClaims(now)), reason: "signature"},
		{name: "alg_none", token: mintToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims(now)), reason: "signature"},
		{name: "expired", token: mintToken(t, jwt.SigningMethodHS256, testSecret, expired), reason: "expired"},
		{name: "not_yet_valid", token: mintToken(t, jwt.SigningMethodHS256, testSecret, future), reason: "not_yet_valid"},
		{name: "no_expiry", token: mintToken(t, jwt.SigningMethodHS256, testSecret, noExpiry), reason: "missing_claim"},
	}

	v := NewVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if got := Reason(err); got != tt.reason {
				t.Fatalf("expected reason %q, got %q (%v)", tt.reason, got, err)
			}
		})
	}
}

func TestVerifier_ExpiryOptional(t *testing.T) {
	claims := validClaims(time.Now())
	delete(claims, "exp")

	v := NewVerifier(testSecret, WithExpiryRequired(false))
	if _, err := v.Verify(mintToken(t, jwt.SigningMethodHS256, testSecret, claims)); err != nil {
		t.Fatalf("expected token without exp to pass when expiry is optional: %v", err)
	}
}

func TestVerifier_LeewayAndClock(t *testing.T) {
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	claims := validClaims(issued)
	token := mintToken(t, jwt.SigningMethodHS256, testSecret, claims)

	justAfterExpiry := func() time.Time { return issued.Add(5*time.Minute + 10*time.Second) }

	if _, err := NewVerifier(testSecret, WithClock(justAfterExpiry)).Verify(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expiry without leeway, got %v", err)
	}
	if _, err := NewVerifier(testSecret, WithClock(justAfterExpiry), WithLeeway(30*time.Second)).Verify(token); err != nil {
		t.Fatalf("expected leeway to tolerate skew: %v", err)
	}
}

func TestNewVerifier_EmptySecretPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for empty secret")
		}
	}()
	NewVerifier(nil)
}
