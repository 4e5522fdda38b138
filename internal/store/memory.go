package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/model"
)

type stakeKey struct {
	user   uuid.UUID
	market uint16
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	state       *model.State
	perpMarkets map[uint16]*model.PerpMarket
	spotMarkets map[uint16]*model.SpotMarket
	users       map[uuid.UUID]*model.User
	stakes      map[stakeKey]*model.InsuranceFundStake
	ledger      []LedgerEntry
}

// NewMemoryStore creates an empty store holding the default exchange state.
func NewMemoryStore() *MemoryStore {
	st := model.DefaultState()
	return &MemoryStore{
		state:       &st,
		perpMarkets: make(map[uint16]*model.PerpMarket),
		spotMarkets: make(map[uint16]*model.SpotMarket),
		users:       make(map[uuid.UUID]*model.User),
		stakes:      make(map[stakeKey]*model.InsuranceFundStake),
	}
}

func (s *MemoryStore) GetPerpMarket(_ context.Context, index uint16) (*model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.perpMarkets[index]
	if !ok {
		return nil, fmt.Errorf("perp market %d: %w", index, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetPerpMarketBySymbol(_ context.Context, symbol string) (*model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.perpMarkets {
		if m.Symbol == symbol {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("perp market %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListPerpMarkets(_ context.Context) ([]model.PerpMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.PerpMarket, 0, len(s.perpMarkets))
	for _, m := range s.perpMarkets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketIndex < markets[j].MarketIndex })
	return markets, nil
}

func (s *MemoryStore) GetSpotMarket(_ context.Context, index uint16) (*model.SpotMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.spotMarkets[index]
	if !ok {
		return nil, fmt.Errorf("spot market %d: %w", index, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetSpotMarketBySymbol(_ context.Context, symbol string) (*model.SpotMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.spotMarkets {
		if m.Symbol == symbol {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("spot market %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListSpotMarkets(_ context.Context) ([]model.SpotMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.SpotMarket, 0, len(s.spotMarkets))
	for _, m := range s.spotMarkets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketIndex < markets[j].MarketIndex })
	return markets, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) GetInsuranceFundStake(_ context.Context, userID uuid.UUID, marketIndex uint16) (*model.InsuranceFundStake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stakes[stakeKey{userID, marketIndex}]
	if !ok {
		return nil, fmt.Errorf("insurance stake %s/%d: %w", userID, marketIndex, ErrNotFound)
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) GetState(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state), nil
}

// Commit applies the whole batch under one write lock.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) ([]LedgerEntry, error) {
	entries, err := encodeRecords(b.Records, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range b.PerpMarkets {
		for _, existing := range s.perpMarkets {
			if existing.Symbol == m.Symbol && existing.MarketIndex != m.MarketIndex {
				return nil, fmt.Errorf("perp market symbol %s already used by market %d", m.Symbol, existing.MarketIndex)
			}
		}
	}
	for _, m := range b.SpotMarkets {
		for _, existing := range s.spotMarkets {
			if existing.Symbol == m.Symbol && existing.MarketIndex != m.MarketIndex {
				return nil, fmt.Errorf("spot market symbol %s already used by market %d", m.Symbol, existing.MarketIndex)
			}
		}
	}

	if b.State != nil {
		s.state = cloneState(b.State)
	}
	// Store copies to avoid external mutation.
	for _, m := range b.PerpMarkets {
		copy := *m
		s.perpMarkets[m.MarketIndex] = &copy
	}
	for _, m := range b.SpotMarkets {
		copy := *m
		s.spotMarkets[m.MarketIndex] = &copy
	}
	for _, u := range b.Users {
		s.users[u.ID] = u.Clone()
	}
	for _, st := range b.Stakes {
		copy := *st
		s.stakes[stakeKey{st.UserID, st.MarketIndex}] = &copy
	}
	for i := range entries {
		entries[i].Seq = int64(len(s.ledger)) + 1
		s.ledger = append(s.ledger, entries[i])
	}
	return entries, nil
}

func (s *MemoryStore) ListLedger(_ context.Context, kind string, afterSeq int64, limit int) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []LedgerEntry
	for _, e := range s.ledger {
		if limit > 0 && len(result) >= limit {
			break
		}
		if e.Seq <= afterSeq || (kind != "" && e.Kind != kind) {
			continue
		}
		e.Record = nil
		result = append(result, e)
	}
	return result, nil
}
