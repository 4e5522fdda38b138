package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b *Batch) ([]LedgerEntry, error) {
	entries, err := s.primary.Commit(ctx, b)
	if err != nil {
		return nil, err
	}

	var keys []string
	if b.State != nil {
		keys = append(keys, stateKey())
	}
	for _, m := range b.PerpMarkets {
		keys = append(keys, perpMarketKey(m.MarketIndex), perpSymbolKey(m.Symbol))
	}
	for _, m := range b.SpotMarkets {
		keys = append(keys, spotMarketKey(m.MarketIndex), spotSymbolKey(m.Symbol))
	}
	for _, u := range b.Users {
		keys = append(keys, userKey(u.ID))
	}
	for _, st := range b.Stakes {
		keys = append(keys, stakeCacheKey(st.UserID, st.MarketIndex))
	}
	if len(keys) > 0 {
		// Invalidate; next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return entries, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error) {
	return readThrough(ctx, s, perpMarketKey(index), func() (*model.PerpMarket, error) {
		return s.primary.GetPerpMarket(ctx, index)
	})
}

func (s *CachedStore) GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error) {
	return readThrough(ctx, s, perpSymbolKey(symbol), func() (*model.PerpMarket, error) {
		return s.primary.GetPerpMarketBySymbol(ctx, symbol)
	})
}

func (s *CachedStore) GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error) {
	return readThrough(ctx, s, spotMarketKey(index), func() (*model.SpotMarket, error) {
		return s.primary.GetSpotMarket(ctx, index)
	})
}

func (s *CachedStore) GetSpotMarketBySymbol(ctx context.Context, symbol string) (*model.SpotMarket, error) {
	return readThrough(ctx, s, spotSymbolKey(symbol), func() (*model.SpotMarket, error) {
		return s.primary.GetSpotMarketBySymbol(ctx, symbol)
	})
}

func (s *CachedStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return readThrough(ctx, s, userKey(id), func() (*model.User, error) {
		return s.primary.GetUser(ctx, id)
	})
}

func (s *CachedStore) GetInsuranceFundStake(ctx context.Context, userID uuid.UUID, marketIndex uint16) (*model.InsuranceFundStake, error) {
	return readThrough(ctx, s, stakeCacheKey(userID, marketIndex), func() (*model.InsuranceFundStake, error) {
		return s.primary.GetInsuranceFundStake(ctx, userID, marketIndex)
	})
}

func (s *CachedStore) GetState(ctx context.Context) (*model.State, error) {
	return readThrough(ctx, s, stateKey(), func() (*model.State, error) {
		return s.primary.GetState(ctx)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error) {
	return s.primary.ListPerpMarkets(ctx)
}

func (s *CachedStore) ListSpotMarkets(ctx context.Context) ([]model.SpotMarket, error) {
	return s.primary.ListSpotMarkets(ctx)
}

func (s *CachedStore) ListLedger(ctx context.Context, kind string, afterSeq int64, limit int) ([]LedgerEntry, error) {
	return s.primary.ListLedger(ctx, kind, afterSeq, limit)
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

func stateKey() string                 { return "perp:state" }
func perpMarketKey(i uint16) string    { return fmt.Sprintf("perp:market:%d", i) }
func perpSymbolKey(sym string) string  { return fmt.Sprintf("perp:symbol:%s", sym) }
func spotMarketKey(i uint16) string    { return fmt.Sprintf("spot:market:%d", i) }
func spotSymbolKey(sym string) string  { return fmt.Sprintf("spot:symbol:%s", sym) }
func userKey(id uuid.UUID) string      { return fmt.Sprintf("user:%s", id) }
func stakeCacheKey(id uuid.UUID, i uint16) string {
	return fmt.Sprintf("if_stake:%s:%d", id, i)
}
