package offer

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound signals that no offer exists for the requested id.
var ErrNotFound = errors.New("offer: not found")

// Purchase identifies the in-flight purchase an offer list is computed for.
type Purchase struct {
	ReferenceID string
	Shop        string
	Claims      map[string]any
}

// Store is the lookup abstraction behind the catalog.
type Store interface {
	All(ctx context.Context) ([]Offer, error)
	Find(ctx context.Context, id int64) (Offer, error)
}

// Selector decides which candidate offers are presented for a purchase and in what order.
type Selector interface {
	Select(ctx context.Context, purchase Purchase, offers []Offer) ([]Offer, error)
}

// Catalog maps a purchase to its candidate offers and resolves offers by id.
// It only ever accepts an offer id, never a change, from callers.
type Catalog struct {
	store    Store
	selector Selector
}

// NewCatalog builds a catalog. A nil selector keeps the original "first offer" policy.
func NewCatalog(store Store, selector Selector) *Catalog {
	if store == nil {
		panic("offer.NewCatalog: nil store")
	}
	if selector == nil {
		selector = FirstOffer()
	}
	return &Catalog{store: store, selector: selector}
}

// List returns the ordered offers to present for purchase.
func (c *Catalog) List(ctx context.Context, purchase Purchase) ([]Offer, error) {
	all, err := c.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("offer: list: %w", err)
	}
	selected, err := c.selector.Select(ctx, purchase, all)
	if err != nil {
		return nil, fmt.Errorf("offer: select: %w", err)
	}
	return cloneAll(selected), nil
}

// Find resolves a single offer by id.
func (c *Catalog) Find(ctx context.Context, id int64) (Offer, error) {
	o, err := c.store.Find(ctx, id)
	if err != nil {
		return Offer{}, err
	}
	return o.Clone(), nil
}

// FindFor resolves id and applies the catalog's selection to it alone, so an offer
// hidden from purchase by its eligibility rule resolves as ErrNotFound.
func (c *Catalog) FindFor(ctx context.Context, purchase Purchase, id int64) (Offer, error) {
	o, err := c.store.Find(ctx, id)
	if err != nil {
		return Offer{}, err
	}
	selected, err := c.selector.Select(ctx, purchase, []Offer{o})
	if err != nil {
		return Offer{}, fmt.Errorf("offer: select %d: %w", id, err)
	}
	if len(selected) == 0 {
		return Offer{}, fmt.Errorf("offer: %d not eligible for purchase: %w", id, ErrNotFound)
	}
	return selected[0].Clone(), nil
}

// StaticStore is an in-memory store backed by configuration.
type StaticStore struct {
	offers []Offer
	byID   map[int64]int
}

// NewStaticStore validates offers and builds an immutable in-memory store.
func NewStaticStore(offers []Offer) (*StaticStore, error) {
	s := &StaticStore{byID: make(map[int64]int, len(offers))}
	for i, o := range offers {
		if err := o.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[o.ID]; dup {
			return nil, fmt.Errorf("offer: duplicate id %d", o.ID)
		}
		s.byID[o.ID] = i
	}
	s.offers = cloneAll(offers)
	return s, nil
}

// All returns every configured offer in configuration order.
func (s *StaticStore) All(_ context.Context) ([]Offer, error) {
	return cloneAll(s.offers), nil
}

// Find returns the offer with the given id or ErrNotFound.
func (s *StaticStore) Find(_ context.Context, id int64) (Offer, error) {
	i, ok := s.byID[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return s.offers[i].Clone(), nil
}
