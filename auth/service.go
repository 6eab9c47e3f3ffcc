package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized signals a missing, malformed, expired or badly signed session token.
var ErrUnauthorized = errors.New("auth: unauthorized")

var errMissingToken = errors.New("missing token")

// Verifier validates session tokens minted by the platform with the shared secret.
type Verifier struct {
	secret        []byte
	leeway        time.Duration
	requireExpiry bool
	now           func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

// WithExpiryRequired rejects tokens that carry no exp claim.
func WithExpiryRequired(required bool) VerifierOption {
	return func(v *Verifier) { v.requireExpiry = required }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a session token verifier. It panics on an empty secret; the
// configuration layer refuses to start without one.
func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	if len(secret) == 0 {
		panic("auth.NewVerifier: empty shared secret")
	}
	v := &Verifier{
		secret:        append([]byte(nil), secret...),
		requireExpiry: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates a session token and returns its identity. Every failure wraps
// ErrUnauthorized.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, errMissingToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.requireExpiry {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	return identityFromClaims(claims), nil
}

func identityFromClaims(claims jwt.MapClaims) Identity {
	id := Identity{Claims: map[string]any(claims)}
	id.Issuer, _ = claims.GetIssuer()
	id.Subject, _ = claims.GetSubject()
	if jti, ok := claims["jti"].(string); ok {
		id.TokenID = jti
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		id.IssuedAt = iat.Time
	}
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id
}

// Reason classifies a verification failure for logs. It never includes token content.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "not_yet_valid"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing_claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, errMissingToken):
		return "missing"
	default:
		return "invalid"
	}
}
