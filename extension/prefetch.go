package extension

import (
	"context"
	"fmt"
	"sync"

	"upsellflow/offer"
)

// Storage hands prefetched offers from the pre-render hook to the render phase.
type Storage interface {
	Update(ctx context.Context, offers []offer.Offer) error
}

// OfferFetcher is satisfied by *Client.
type OfferFetcher interface {
	FetchOffers(ctx context.Context, pc PurchaseContext) ([]offer.Offer, error)
}

// Prefetch runs before the visible UI: it fetches the offers, stores them and reports
// whether the extension should render at all.
func Prefetch(ctx context.Context, fetcher OfferFetcher, pc PurchaseContext, storage Storage) (bool, error) {
	offers, err := fetcher.FetchOffers(ctx, pc)
	if err != nil {
		return false, err
	}
	if err := storage.Update(ctx, offers); err != nil {
		return false, fmt.Errorf("extension: store offers: %w", err)
	}
	return len(offers) > 0, nil
}

// MemoryStorage keeps prefetched offers in process.
type MemoryStorage struct {
	mu     sync.Mutex
	offers []offer.Offer
}

func (s *MemoryStorage) Update(_ context.Context, offers []offer.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = make([]offer.Offer, len(offers))
	for i, o := range offers {
		s.offers[i] = o.Clone()
	}
	return nil
}

// Offers returns copies of the stored offers.
func (s *MemoryStorage) Offers() []offer.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]offer.Offer, len(s.offers))
	for i, o := range s.offers {
		out[i] = o.Clone()
	}
	return out
}

// First returns the offer the extension presents, if any.
func (s *MemoryStorage) First() (offer.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.offers) == 0 {
		return offer.Offer{}, false
	}
	return s.offers[0].Clone(), true
}
