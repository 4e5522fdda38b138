// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads return copies the caller may
// mutate freely; mutations only become visible through Commit.
type Store interface {
	// --- Perp markets ---

	GetPerpMarket(ctx context.Context, index uint16) (*model.PerpMarket, error)
	GetPerpMarketBySymbol(ctx context.Context, symbol string) (*model.PerpMarket, error)
	// ListPerpMarkets returns every perp market ordered by index.
	ListPerpMarkets(ctx context.Context) ([]model.PerpMarket, error)

	// --- Spot markets ---

	GetSpotMarket(ctx context.Context, index uint16) (*model.SpotMarket, error)
	GetSpotMarketBySymbol(ctx context.Context, symbol string) (*model.SpotMarket, error)
	ListSpotMarkets(ctx context.Context) ([]model.SpotMarket, error)

	// --- Accounts ---

	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetInsuranceFundStake returns ErrNotFound until the user first stakes.
	GetInsuranceFundStake(ctx context.Context, userID uuid.UUID, marketIndex uint16) (*model.InsuranceFundStake, error)

	// GetState returns the exchange parameters.
	GetState(ctx context.Context) (*model.State, error)

	// --- Immutable ledger ---

	// Commit persists every record in b and appends its ledger entries,
	// all or nothing. The committed entries are returned with their
	// sequence numbers set.
	Commit(ctx context.Context, b *Batch) ([]LedgerEntry, error)

	// ListLedger returns up to limit entries after seq, oldest first.
	// An empty kind matches every entry.
	ListLedger(ctx context.Context, kind string, afterSeq int64, limit int) ([]LedgerEntry, error)
}

// Batch collects the records one operation changed and the ledger records
// it produced.
type Batch struct {
	State       *model.State
	PerpMarkets []*model.PerpMarket
	SpotMarkets []*model.SpotMarket
	Users       []*model.User
	Stakes      []*model.InsuranceFundStake
	Records     []model.Record
}

func (b *Batch) PutState(st *model.State) { b.State = st }
func (b *Batch) PutPerpMarket(m *model.PerpMarket) { b.PerpMarkets = append(b.PerpMarkets, m) }
func (b *Batch) PutSpotMarket(m *model.SpotMarket) { b.SpotMarkets = append(b.SpotMarkets, m) }
func (b *Batch) PutUser(u *model.User) { b.Users = append(b.Users, u) }
func (b *Batch) PutStake(s *model.InsuranceFundStake) { b.Stakes = append(b.Stakes, s) }

// Append adds ledger records in the order they happened.
func (b *Batch) Append(records ...model.Record) { b.Records = append(b.Records, records...) }

// IsEmpty reports whether committing b would change nothing.
func (b *Batch) IsEmpty() bool {
	return b.State == nil && len(b.PerpMarkets) == 0 && len(b.SpotMarkets) == 0 &&
		len(b.Users) == 0 && len(b.Stakes) == 0 && len(b.Records) == 0
}

// LedgerEntry is one committed record in its stored form.
type LedgerEntry struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`

	// Record is the committed value. It is only set on entries returned
	// by Commit; entries read back carry Data alone.
	Record model.Record `json:"-"`
}

// encodeRecords prepares b's records for appending. Sequence numbers are
// assigned by the implementation.
func encodeRecords(records []model.Record, now time.Time) ([]LedgerEntry, error) {
	entries := make([]LedgerEntry, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s record: %w", r.Kind(), err)
		}
		entries = append(entries, LedgerEntry{Kind: r.Kind(), Data: data, CreatedAt: now, Record: r})
	}
	return entries, nil
}

func cloneState(st *model.State) *model.State {
	c := *st
	c.PerpFeeStructure.FeeTiers = append([]model.FeeTier(nil), st.PerpFeeStructure.FeeTiers...)
	c.SpotFeeStructure.FeeTiers = append([]model.FeeTier(nil), st.SpotFeeStructure.FeeTiers...)
	return &c
}
