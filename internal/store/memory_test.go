package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func TestMemoryStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := model.NewUser("alice")
	m := &model.PerpMarket{MarketIndex: 0, Symbol: "SOL-PERP", Status: model.MarketActive}
	var b Batch
	b.PutUser(u)
	b.PutPerpMarket(m)
	b.Append(model.SettlePnlRecord{UserID: u.ID, Pnl: fixedpoint.New(7)})

	entries, err := s.Commit(ctx, &b)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 1 || entries[0].Kind != "settle_pnl" {
		t.Fatalf("entries = %+v", entries)
	}

	got, err := s.GetPerpMarketBySymbol(ctx, "SOL-PERP")
	if err != nil {
		t.Fatalf("GetPerpMarketBySymbol: %v", err)
	}
	got.Symbol = "changed"
	again, _ := s.GetPerpMarket(ctx, 0)
	if again.Symbol != "SOL-PERP" {
		t.Error("mutating a loaded market changed the store")
	}

	loaded, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if _, err := loaded.ForcePerpPosition(3); err != nil {
		t.Fatal(err)
	}
	fresh, _ := s.GetUser(ctx, u.ID)
	if len(fresh.PerpPositions) != 0 {
		t.Error("mutating a loaded user changed the store")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetUser(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser err = %v", err)
	}
	if _, err := s.GetSpotMarket(ctx, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSpotMarket err = %v", err)
	}
	if _, err := s.GetInsuranceFundStake(ctx, uuid.New(), 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInsuranceFundStake err = %v", err)
	}
	st, err := s.GetState(ctx)
	if err != nil || st.WashTradeDivisor != model.DefaultWashTradeDivisor {
		t.Errorf("GetState = %+v, %v", st, err)
	}
}

func TestMemoryStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var seed Batch
	seed.PutSpotMarket(&model.SpotMarket{MarketIndex: 0, Symbol: "USDC"})
	if _, err := s.Commit(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	u := model.NewUser("bob")
	var b Batch
	b.PutUser(u)
	b.PutSpotMarket(&model.SpotMarket{MarketIndex: 1, Symbol: "USDC"})
	b.Append(model.DepositRecord{UserID: u.ID})
	if _, err := s.Commit(ctx, &b); err == nil {
		t.Fatal("expected duplicate symbol error")
	}

	if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Error("user was saved by a failed commit")
	}
	if entries, _ := s.ListLedger(ctx, "", 0, 0); len(entries) != 0 {
		t.Errorf("ledger has %d entries after failed commit", len(entries))
	}
}

func TestMemoryStore_ListLedger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var b Batch
	b.Append(
		model.CurveRecord{MarketIndex: 0},
		model.FundingRateRecord{MarketIndex: 0, FundingRate: fixedpoint.New(12)},
		model.CurveRecord{MarketIndex: 1},
	)
	if _, err := s.Commit(ctx, &b); err != nil {
		t.Fatal(err)
	}

	curves, err := s.ListLedger(ctx, "curve", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(curves) != 2 || curves[0].Seq != 1 || curves[1].Seq != 3 {
		t.Fatalf("curves = %+v", curves)
	}

	after, _ := s.ListLedger(ctx, "", 1, 1)
	if len(after) != 1 || after[0].Kind != "funding_rate" {
		t.Fatalf("after seq 1 = %+v", after)
	}
	var rec model.FundingRateRecord
	if err := json.Unmarshal(after[0].Data, &rec); err != nil {
		t.Fatal(err)
	}
	if !rec.FundingRate.Eq(fixedpoint.New(12)) {
		t.Errorf("funding rate = %s", rec.FundingRate)
	}
}
