// Package changeset issues signed assertions that authorize the platform to apply an
// offer's changes to a placed order.
package changeset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"upsellflow/auth"
	"upsellflow/offer"
)

// AssertionClaims is the payload of a signed changeset assertion.
type AssertionClaims struct {
	jwt.RegisteredClaims
	Changes []offer.Change `json:"changes"`
}

// Assertion is a signed authorization for one changeset against one purchase.
type Assertion struct {
	Token   string
	OfferID int64
	Claims  AssertionClaims
}

// OfferResolver resolves an offer by id for one purchase and reports offers the purchase
// is not eligible for as offer.ErrNotFound; *offer.Catalog satisfies it.
type OfferResolver interface {
	FindFor(ctx context.Context, purchase offer.Purchase, id int64) (offer.Offer, error)
}

// PurchaseFor describes the purchase a verified session acts on.
func PurchaseFor(identity auth.Identity, referenceID string) offer.Purchase {
	return offer.Purchase{
		ReferenceID: referenceID,
		Shop:        identity.Shop(),
		Claims:      identity.Claims,
	}
}

// SignerConfig carries the merchant application's identity and the shared secret.
type SignerConfig struct {
	Issuer string
	Secret []byte
	// TTL adds an exp claim when positive.
	TTL time.Duration
	// BindSubject rejects requests whose reference id differs from the session token's sub.
	BindSubject bool
}

// Signer builds assertions from catalog data only. It keeps no state between calls;
// replay protection relies on the platform honoring the per-assertion nonce.
type Signer struct {
	cfg    SignerConfig
	offers OfferResolver
	now    func() time.Time
	nonce  func() string
	logger *slog.Logger
}

// SignerOption customizes a Signer.
type SignerOption func(*Signer)

// WithClock overrides the issued-at time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithNonce overrides the jti generator.
func WithNonce(nonce func() string) SignerOption {
	return func(s *Signer) { s.nonce = nonce }
}

// WithLogger sets the logger used for issuance audit records.
func WithLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

// NewSigner creates a changeset signer.
func NewSigner(cfg SignerConfig, offers OfferResolver, opts ...SignerOption) *Signer {
	if len(cfg.Secret) == 0 || strings.TrimSpace(cfg.Issuer) == "" {
		panic("changeset.NewSigner: issuer and secret are required")
	}
	if offers == nil {
		panic("changeset.NewSigner: nil offer resolver")
	}
	cfg.Secret = append([]byte(nil), cfg.Secret...)
	s := &Signer{
		cfg:    cfg,
		offers: offers,
		now:    time.Now,
		nonce:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign authorizes the changes of offerID for the purchase identified by referenceID.
// identity must come from a successful auth.Verifier.Verify on the same request.
func (s *Signer) Sign(ctx context.Context, identity *auth.Identity, referenceID string, offerID int64) (Assertion, error) {
	if identity == nil {
		return Assertion{}, fmt.Errorf("%w: no verified session", auth.ErrUnauthorized)
	}
	if strings.TrimSpace(referenceID) == "" {
		return Assertion{}, fmt.Errorf("%w: empty purchase reference", auth.ErrUnauthorized)
	}
	if s.cfg.BindSubject && identity.Subject != "" && identity.Subject != referenceID {
		return Assertion{}, fmt.Errorf("%w: purchase reference does not match session", auth.ErrUnauthorized)
	}

	o, err := s.offers.FindFor(ctx, PurchaseFor(*identity, referenceID), offerID)
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			return Assertion{}, fmt.Errorf("changeset: offer %d: %w", offerID, offer.ErrNotFound)
		}
		return Assertion{}, fmt.Errorf("changeset: resolve offer %d: %w", offerID, err)
	}
	if err := o.Validate(); err != nil {
		return Assertion{}, fmt.Errorf("changeset: refusing to sign: %w", err)
	}

	now := s.now().UTC()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.cfg.Issuer,
			Subject:  referenceID,
			ID:       s.nonce(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Changes: offer.CloneChanges(o.Changes),
	}
	if s.cfg.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.cfg.TTL))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return Assertion{}, fmt.Errorf("changeset: sign: %w", err)
	}

	digest, err := ChangesDigest(claims.Changes)
	if err != nil {
		s.logger.Warn("changes digest failed", "jti", claims.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "changeset assertion issued",
		"jti", claims.ID,
		"sub", referenceID,
		"offer_id", offerID,
		"changes_digest", digest,
	)

	return Assertion{Token: token, OfferID: offerID, Claims: claims}, nil
}

// Parse verifies an assertion with the shared secret and returns its claims.
func Parse(token string, secret []byte) (AssertionClaims, error) {
	var claims AssertionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return AssertionClaims{}, fmt.Errorf("changeset: parse assertion: %w", err)
	}
	return claims, nil
}

// ChangesDigest is the hex SHA-256 of the RFC 8785 canonical JSON of changes.
func ChangesDigest(changes []offer.Change) (string, error) {
	raw, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("changeset: encode changes: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("changeset: canonicalize changes: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
