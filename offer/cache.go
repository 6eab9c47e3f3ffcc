package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "upsell:offers:"

// CachedStore fronts another Store with a Redis read-through cache. Concurrent misses
// for the same key are collapsed into one backing lookup. Cache failures are logged
// and fall back to the backing store; they never fail a request on their own.
type CachedStore struct {
	next   Store
	rdb    redis.Cmdable
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedStore wraps next with a Redis cache holding entries for ttl.
func NewCachedStore(next Store, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if next == nil || rdb == nil {
		panic("offer.NewCachedStore: nil store or redis client")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// cachedOffer keeps the server-only eligibility expression in the cache entry.
type cachedOffer struct {
	Offer
	Eligibility string `json:"eligibility,omitempty"`
}

func (s *CachedStore) All(ctx context.Context) ([]Offer, error) {
	key := cacheKeyPrefix + "all"

	var cached []cachedOffer
	if s.get(ctx, key, &cached) {
		offers := make([]Offer, len(cached))
		for i, c := range cached {
			offers[i] = c.toOffer()
		}
		return offers, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		offers, err := s.next.All(ctx)
		if err != nil {
			return nil, err
		}
		records := make([]cachedOffer, len(offers))
		for i, o := range offers {
			records[i] = newCachedOffer(o)
		}
		s.set(ctx, key, records)
		return offers, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(v.([]Offer)), nil
}

func (s *CachedStore) Find(ctx context.Context, id int64) (Offer, error) {
	key := cacheKeyPrefix + "id:" + strconv.FormatInt(id, 10)

	var cached cachedOffer
	if s.get(ctx, key, &cached) {
		return cached.toOffer(), nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		o, err := s.next.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		s.set(ctx, key, newCachedOffer(o))
		return o, nil
	})
	if err != nil {
		return Offer{}, err
	}
	return v.(Offer).Clone(), nil
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("offer cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("offer cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("offer cache encode failed", "key", key, "error", fmt.Errorf("offer: encode: %w", err))
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("offer cache write failed", "key", key, "error", err)
	}
}

func newCachedOffer(o Offer) cachedOffer {
	return cachedOffer{Offer: o.Clone(), Eligibility: o.Eligibility}
}

func (c cachedOffer) toOffer() Offer {
	o := c.Offer
	o.Eligibility = c.Eligibility
	return o
}
