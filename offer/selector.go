package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(ctx context.Context, purchase Purchase, offers []Offer) ([]Offer, error)

func (f SelectorFunc) Select(ctx context.Context, purchase Purchase, offers []Offer) ([]Offer, error) {
	return f(ctx, purchase, offers)
}

// FirstOffer presents only the first configured offer.
func FirstOffer() Selector {
	return SelectorFunc(func(_ context.Context, _ Purchase, offers []Offer) ([]Offer, error) {
		return limit(offers, 1), nil
	})
}

// AllOffers presents every configured offer in catalog order.
func AllOffers() Selector {
	return SelectorFunc(func(_ context.Context, _ Purchase, offers []Offer) ([]Offer, error) {
		return offers, nil
	})
}

func limit(offers []Offer, n int) []Offer {
	if n > 0 && len(offers) > n {
		return offers[:n]
	}
	return offers
}

// CELSelector keeps the offers whose Eligibility expression evaluates to true for the
// purchase, preserving catalog order, and returns at most Limit of them.
// Offers without an expression are always eligible. An expression that fails to compile
// or evaluate excludes its offer.
type CELSelector struct {
	env    *cel.Env
	limit  int
	logger *slog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELSelector builds a selector; limit <= 0 means no limit.
func NewCELSelector(limit int, logger *slog.Logger) (*CELSelector, error) {
	env, err := cel.NewEnv(
		cel.Variable("purchase", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("offer", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("offer: cel environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CELSelector{
		env:      env,
		limit:    limit,
		logger:   logger,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks an eligibility expression ahead of time, e.g. when loading a catalog.
func (s *CELSelector) Compile(expr string) error {
	_, err := s.program(expr)
	return err
}

func (s *CELSelector) Select(ctx context.Context, purchase Purchase, offers []Offer) ([]Offer, error) {
	input := map[string]any{"purchase": purchaseVars(purchase)}

	out := make([]Offer, 0, len(offers))
	for _, o := range offers {
		if s.limit > 0 && len(out) == s.limit {
			break
		}
		if o.Eligibility == "" {
			out = append(out, o)
			continue
		}
		input["offer"] = offerVars(o)
		ok, err := s.eval(ctx, o.Eligibility, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("offer eligibility failed", "offer_id", o.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *CELSelector) eval(ctx context.Context, expr string, input map[string]any) (bool, error) {
	prg, err := s.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: expression result is %T, not bool", val.Value())
	}
	return b, nil
}

func (s *CELSelector) program(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.programs[expr]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, ok := s.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := s.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	s.programs[expr] = prg
	return prg, nil
}

func purchaseVars(p Purchase) map[string]any {
	claims := p.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return map[string]any{
		"reference_id": p.ReferenceID,
		"shop":         p.Shop,
		"claims":       claims,
	}
}

func offerVars(o Offer) map[string]any {
	return map[string]any{
		"id":               o.ID,
		"title":            o.Title,
		"product_title":    o.ProductTitle,
		"original_price":   o.OriginalPrice.InexactFloat64(),
		"discounted_price": o.DiscountedPrice.InexactFloat64(),
	}
}
