package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func obs(price, conf, delay int64, sufficient bool) model.OraclePriceData {
	return model.OraclePriceData{
		Price:                   fixedpoint.New(price),
		Confidence:              fixedpoint.New(conf),
		Delay:                   delay,
		HasSufficientDataPoints: sufficient,
	}
}

// --- Assess tests ---

func TestAssess(t *testing.T) {
	rails := model.DefaultOracleGuardRails().Validity
	twap := fixedpoint.New(100_000_000)

	tests := []struct {
		name string
		data model.OraclePriceData
		want Validity
	}{
		{"zero price", obs(0, 0, 0, true), Invalid},
		{"negative price", obs(-1, 0, 0, true), Invalid},
		{"six times twap", obs(600_000_000, 0, 0, true), TooVolatile},
		{"five times twap", obs(500_000_000, 0, 0, true), Valid},
		{"a sixth of twap", obs(16_000_000, 0, 0, true), TooVolatile},
		{"wide confidence", obs(100_000_000, 3_000_000, 0, true), TooUncertain},
		{"confidence at limit", obs(100_000_000, 2_000_000, 0, true), Valid},
		{"stale for margin", obs(100_000_000, 0, 121, true), StaleForMargin},
		{"insufficient points", obs(100_000_000, 0, 0, false), InsufficientDataPoints},
		{"stale for amm", obs(100_000_000, 0, 11, true), StaleForAMM},
		{"delay at amm limit", obs(100_000_000, 0, 10, true), Valid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Assess(twap, tt.data, rails)
			if err != nil {
				t.Fatalf("Assess: %v", err)
			}
			if got != tt.want {
				t.Errorf("Assess = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidForAction(t *testing.T) {
	tests := []struct {
		v      Validity
		action Action
		want   bool
	}{
		{Valid, FillAMM, true},
		{StaleForAMM, FillAMM, false},
		{Valid, UpdateFunding, true},
		{InsufficientDataPoints, UpdateFunding, false},
		{StaleForAMM, MarginCalc, true},
		{StaleForMargin, MarginCalc, false},
		{StaleForMargin, SettlePnl, true},
		{TooUncertain, SettlePnl, false},
		{TooVolatile, UpdateTWAP, true},
		{Invalid, UpdateTWAP, false},
	}
	for _, tt := range tests {
		if got := ValidForAction(tt.v, tt.action); got != tt.want {
			t.Errorf("ValidForAction(%s, %d) = %v, want %v", tt.v, tt.action, got, tt.want)
		}
	}
}

// --- MemorySource tests ---

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	ctx := context.Background()

	if _, err := src.GetPrice(ctx, "SOL/USD"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("GetPrice on empty source err = %v, want ErrFeedNotFound", err)
	}

	want := obs(21_500_000, 10_000, 2, true)
	src.Set("SOL/USD", want)
	got, err := src.GetPrice(ctx, "SOL/USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if got != want {
		t.Errorf("GetPrice = %+v, want %+v", got, want)
	}
}
