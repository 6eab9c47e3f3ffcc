package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"upsellflow/auth"
	"upsellflow/changeset"
	"upsellflow/extension"
	"upsellflow/negotiation"
	"upsellflow/offer"
	"upsellflow/platform"
	"upsellflow/test/oracles"
)

// Env is the backend core shared by every actor.
type Env struct {
	Secret   []byte
	Verifier *auth.Verifier
	Catalog  *offer.Catalog
	Signer   *changeset.Signer
	Ledger   *oracles.Ledger
}

// SessionToken mints a platform session token for reference.
func SessionToken(secret []byte, reference string) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "https://stress.example.com/admin",
		"dest": "stress.example.com",
		"sub":  reference,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Minute).Unix(),
	}).SignedString(secret)
}

// backendSigner runs the sign-changeset pipeline: verify, then sign.
type backendSigner struct{ env *Env }

func (b backendSigner) SignChangeset(ctx context.Context, req extension.SignRequest) (string, error) {
	identity, err := b.env.Verifier.Verify(req.Token)
	if err != nil {
		return "", err
	}
	a, err := b.env.Signer.Sign(ctx, &identity, req.ReferenceID, req.OfferID)
	if err != nil {
		return "", err
	}
	return a.Token, nil
}

// simPlatform plays the commerce platform for one purchase. It verifies each assertion
// and refuses nonces it has already applied.
type simPlatform struct {
	env       *Env
	reference string
}

func (p *simPlatform) CalculateChangeset(_ context.Context, changes []offer.Change) (platform.CalculatedPurchase, error) {
	var cp platform.CalculatedPurchase
	for _, c := range changes {
		price := decimal.NewFromInt(100).Mul(decimal.NewFromInt(int64(c.Quantity)))
		cp.Lines = append(cp.Lines, platform.PricedLine{VariantID: c.VariantID, Quantity: c.Quantity, Price: price, Total: price})
		cp.Subtotal = cp.Subtotal.Add(price)
	}
	cp.Total = cp.Subtotal
	return cp, nil
}

func (p *simPlatform) ApplyChangeset(_ context.Context, token string) error {
	claims, err := changeset.Parse(token, p.env.Secret)
	if err != nil {
		return err
	}
	return p.env.Ledger.Apply(p.reference, claims)
}

// Shopper walks purchases through the negotiation, accepting most offers with a
// simulated double click and declining the rest.
func Shopper(ctx context.Context, env *Env, id int, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		reference := fmt.Sprintf("ref-%d-%d", id, i)
		token, err := SessionToken(env.Secret, reference)
		if err != nil {
			return fmt.Errorf("shopper token: %w", err)
		}
		identity, err := env.Verifier.Verify(token)
		if err != nil {
			return fmt.Errorf("shopper: valid token rejected: %w", err)
		}

		offers, err := env.Catalog.List(ctx, changeset.PurchaseFor(identity, reference))
		if err != nil {
			env.Ledger.TransientFailure()
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if len(offers) == 0 {
			continue
		}

		var m *negotiation.Machine
		m = negotiation.New(negotiation.Config{Timeout: 2 * time.Second}, negotiation.Deps{
			Gateway: &simPlatform{env: env, reference: reference},
			Signer:  backendSigner{env: env},
			Done: func(context.Context) error {
				env.Ledger.Complete(reference, m.Snapshot().Outcome == negotiation.OutcomeDeclined)
				return nil
			},
		}, extension.PurchaseContext{ReferenceID: reference, Token: token}, offers[rng.Intn(len(offers))])

		if err := m.Start(ctx); err != nil {
			env.Ledger.TransientFailure()
			continue
		}

		if rng.Intn(4) == 0 {
			if err := m.Decline(ctx); err != nil {
				return fmt.Errorf("shopper decline: %w", err)
			}
			continue
		}

		var wg sync.WaitGroup
		for click := 0; click < 2; click++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Accept(ctx)
			}()
		}
		wg.Wait()

		if m.Snapshot().State != negotiation.Completed {
			env.Ledger.TransientFailure()
			if err := m.Decline(ctx); err != nil && !errors.Is(err, negotiation.ErrInvalidState) {
				return fmt.Errorf("shopper decline after failure: %w", err)
			}
		}
		time.Sleep(time.Duration(5+rng.Intn(10)) * time.Millisecond)
	}
}

// Forger presents tampered session tokens; none may get past verification.
func Forger(ctx context.Context, env *Env, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	forgeries := []struct {
		kind string
		mint func(reference string) (string, error)
	}{
		{"wrong_secret", func(ref string) (string, error) { return SessionToken([]byte("not-the-secret"), ref) }},
		{"alg_none", func(ref string) (string, error) {
			return jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
				"sub": ref,
				"exp": time.Now().Add(time.Minute).Unix(),
			}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		}},
		{"expired", func(ref string) (string, error) {
			return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": ref,
				"iat": time.Now().Add(-time.Hour).Unix(),
				"exp": time.Now().Add(-10 * time.Minute).Unix(),
			}).SignedString(env.Secret)
		}},
		{"tampered_payload", func(ref string) (string, error) {
			good, err := SessionToken(env.Secret, ref)
			if err != nil {
				return "", err
			}
			other, err := SessionToken(env.Secret, ref+"-other")
			if err != nil {
				return "", err
			}
			return splice(good, other), nil
		}},
	}

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		f := forgeries[rng.Intn(len(forgeries))]
		reference := fmt.Sprintf("forged-%d", i)
		token, err := f.mint(reference)
		if err != nil {
			return fmt.Errorf("forger %s: %w", f.kind, err)
		}

		_, err = backendSigner{env: env}.SignChangeset(ctx, extension.SignRequest{ReferenceID: reference, OfferID: 1, Token: token})
		if errors.Is(err, auth.ErrUnauthorized) {
			env.Ledger.ForgeryRejected()
		} else {
			env.Ledger.ForgeryAccepted(f.kind)
		}
		time.Sleep(time.Duration(5+rng.Intn(10)) * time.Millisecond)
	}
}

// Merchandiser keeps rewriting offer discounts while shoppers sign against them.
func Merchandiser(ctx context.Context, env *Env, repo *offer.PGRepository, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		o := StressOffer(int64(1 + rng.Intn(3)))
		o.Changes[0].Discount.Value = float64(1 + rng.Intn(90))
		o.Changes[0].Quantity = 1 + rng.Intn(3)
		if err := env.Ledger.RecordCatalog(o.ID, o.Changes); err != nil {
			return err
		}
		if err := repo.Upsert(ctx, o, int(o.ID)); err != nil {
			env.Ledger.TransientFailure()
		}
		time.Sleep(time.Duration(20+rng.Intn(30)) * time.Millisecond)
	}
}

// StressOffer returns the base version of a stress catalog entry.
func StressOffer(id int64) offer.Offer {
	o := offer.DemoOffers()[0]
	o.ID = id
	o.Title = fmt.Sprintf("Stress offer %d", id)
	o.Changes[0].VariantID = 1000 + id
	return o
}

// splice joins the header and signature of a with the payload of b.
func splice(a, b string) string {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	if len(pa) != 3 || len(pb) != 3 {
		return a
	}
	return pa[0] + "." + pb[1] + "." + pa[2]
}
