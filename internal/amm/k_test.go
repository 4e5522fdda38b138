package amm

import (
	"errors"
	"testing"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func imbalancedShortMarket() *model.PerpMarket {
	return &model.PerpMarket{
		AMM: model.AMM{
			BaseAssetReserve:   n(512295081967),
			QuoteAssetReserve:  n(488 * reserve),
			ConcentrationCoef:  n(fp.MaxConcentrationCoefficient),
			SqrtK:              n(500 * reserve),
			PegMultiplier:      n(50_000_000),
			NetBaseAssetAmount: n(-12295081967),
		},
	}
}

// --- Update K tests ---

func TestGetUpdateKResult_BoundFlag(t *testing.T) {
	m := &model.PerpMarket{AMM: model.AMM{
		SqrtK:             n(100 * reserve),
		BaseAssetReserve:  n(100 * reserve),
		QuoteAssetReserve: n(100 * reserve),
	}}
	if _, err := GetUpdateKResult(m, n(reserve), true); !errors.Is(err, ErrInvalidUpdateK) {
		t.Errorf("bounded 99%% decrease: expected ErrInvalidUpdateK, got %v", err)
	}
	if _, err := GetUpdateKResult(m, n(reserve), false); err != nil {
		t.Errorf("unbounded decrease: %v", err)
	}
}

func TestGetUpdateKResult_NetAboveSqrtK(t *testing.T) {
	m := imbalancedShortMarket()
	if _, err := GetUpdateKResult(m, n(12*reserve), false); !errors.Is(err, ErrInvalidUpdateK) {
		t.Errorf("expected ErrInvalidUpdateK, got %v", err)
	}
}

func TestUpdateKAndCost(t *testing.T) {
	m := imbalancedShortMarket()

	tPrice, tQuote, tBase, err := CalculateTerminalPriceAndReserves(&m.AMM)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if !tQuote.Eq(n(500*reserve)) || !tBase.Eq(n(500*reserve)) || !tPrice.Eq(m.AMM.PegMultiplier) {
		t.Fatalf("terminal = (%s, %s, %s), want balanced at peg", tPrice, tQuote, tBase)
	}

	up, err := GetUpdateKResult(m, n(501*reserve), true)
	if err != nil {
		t.Fatalf("GetUpdateKResult: %v", err)
	}
	if !up.SqrtK.Eq(n(501*reserve)) || !up.BaseAssetReserve.Eq(n(513319672130)) || !up.QuoteAssetReserve.Eq(n(488976000001)) {
		t.Errorf("update = %+v, want (501e9, 513319672130, 488976000001)", up)
	}

	preview, err := AdjustKCost(m, up)
	if err != nil {
		t.Fatalf("AdjustKCost: %v", err)
	}
	if !m.AMM.SqrtK.Eq(n(500 * reserve)) {
		t.Fatalf("AdjustKCost mutated the market")
	}

	cost, err := AdjustKCostAndUpdate(m, up)
	if err != nil {
		t.Fatalf("AdjustKCostAndUpdate: %v", err)
	}
	if !cost.Eq(n(29448)) || !preview.Eq(cost) {
		t.Errorf("cost = %s (preview %s), want 29448", cost, preview)
	}
	if !m.AMM.TerminalQuoteAssetReserve.Eq(n(500975411043)) {
		t.Errorf("terminal quote = %s, want 500975411043", m.AMM.TerminalQuoteAssetReserve)
	}

	tPrice2, tQuote2, tBase2, err := CalculateTerminalPriceAndReserves(&m.AMM)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if !tPrice2.Lt(tPrice) {
		t.Errorf("terminal price %s should fall below %s for net short users", tPrice2, tPrice)
	}
	if !tBase2.Eq(n(501024590163)) || !tQuote2.Eq(n(500975411043)) {
		t.Errorf("terminal reserves = (%s, %s), want (501024590163, 500975411043)", tBase2, tQuote2)
	}
}

func TestUpdateK_KeepsSpreadReservesAroundCanonical(t *testing.T) {
	m := imbalancedShortMarket()
	m.AMM.BaseSpread = 10
	m.AMM.LongSpread = 5
	m.AMM.ShortSpread = 5

	up, err := GetUpdateKResult(m, n(501*reserve), true)
	if err != nil {
		t.Fatalf("GetUpdateKResult: %v", err)
	}
	if err := UpdateK(m, up); err != nil {
		t.Fatalf("UpdateK: %v", err)
	}
	a := m.AMM
	if a.BidBaseAssetReserve.Lt(a.BaseAssetReserve) || a.BidQuoteAssetReserve.Gt(a.QuoteAssetReserve) {
		t.Errorf("bid reserves out of line: base %s vs %s, quote %s vs %s",
			a.BidBaseAssetReserve, a.BaseAssetReserve, a.BidQuoteAssetReserve, a.QuoteAssetReserve)
	}
	if !a.MinBaseAssetReserve.Lt(a.MaxBaseAssetReserve) {
		t.Errorf("reserve bounds = [%s, %s]", a.MinBaseAssetReserve, a.MaxBaseAssetReserve)
	}
}

// --- Budgeted K tests ---

func TestCalculateBudgetedKScale(t *testing.T) {
	upper := int64(fp.KBpsUpdateScale + fp.KBpsIncreaseMax)
	lower := int64(fp.KBpsUpdateScale - fp.KBpsDecreaseMax)
	x, y := n(55414*reserve), n(55530*reserve)
	q, d := n(36365000), n(66*reserve)

	num, den, err := calculateBudgetedKScale(x, y, n(fp.QuotePrecision/500), q, d, upper, lower)
	if err != nil {
		t.Fatalf("positive budget: %v", err)
	}
	if !num.Eq(fp.MustParse("8796289171560000")) || !den.Eq(fp.MustParse("8790133110760000")) {
		t.Errorf("positive budget = %s/%s, want 8796289171560000/8790133110760000", num, den)
	}

	tests := []struct {
		budget  int64
		wantPct int64
	}{
		{-fp.QuotePrecision / 50, 993050},
		{-fp.QuotePrecision / 25, 986196},
	}
	for _, tt := range tests {
		num, den, err := calculateBudgetedKScale(x, y, n(tt.budget), q, d, upper, lower)
		if err != nil {
			t.Fatalf("budget %d: %v", tt.budget, err)
		}
		if !num.Lt(den) {
			t.Errorf("budget %d: negative budget should shrink k (%s/%s)", tt.budget, num, den)
		}
		pct, err := fp.C(num).MulN(1_000_000).Div(den).Int64()
		if err != nil {
			t.Fatalf("pct: %v", err)
		}
		if pct != tt.wantPct {
			t.Errorf("budget %d: pct = %d, want %d", tt.budget, pct, tt.wantPct)
		}
	}
}

func TestCalculateBudgetedKScale_Clamps(t *testing.T) {
	upper := int64(fp.KBpsUpdateScale + fp.KBpsIncreaseMax)
	lower := int64(fp.KBpsUpdateScale - fp.KBpsDecreaseMax)
	x := fp.MustParse("500000000049750000004950")
	y := fp.MustParse("499999999950250000000000")
	q, d := n(40_000_000), n(49750000004950)

	num, den, err := calculateBudgetedKScale(x, y, n(114638), q, d, upper, lower)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if !num.Eq(n(1_001_000)) || !den.Eq(n(1_000_000)) {
		t.Errorf("increase = %s/%s, want 1001000/1000000", num, den)
	}

	num, den, err = calculateBudgetedKScale(x, y, n(-114638), q, d, upper, lower)
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !num.Eq(n(978_000)) || !den.Eq(n(1_000_000)) {
		t.Errorf("decrease = %s/%s, want 978000/1000000", num, den)
	}
}

func TestCalculateBudgetedKScale_Market(t *testing.T) {
	m := &model.PerpMarket{AMM: model.AMM{
		BaseAssetReserve:   n(55414 * reserve),
		QuoteAssetReserve:  n(55530 * reserve),
		SqrtK:              n(500 * reserve),
		PegMultiplier:      n(36365000),
		NetBaseAssetAmount: n(66 * reserve),
	}}

	num, den, err := CalculateBudgetedKScale(m, n(fp.QuotePrecision/500), 1_100_000)
	if err != nil {
		t.Fatalf("CalculateBudgetedKScale: %v", err)
	}
	if !num.Eq(fp.MustParse("8796289171560000")) || !den.Eq(fp.MustParse("8790133110760000")) {
		t.Errorf("scale = %s/%s", num, den)
	}

	if _, _, err := CalculateBudgetedKScale(m, fp.One, 999_999); !errors.Is(err, ErrInvalidUpdateK) {
		t.Errorf("increase max below scale: expected ErrInvalidUpdateK, got %v", err)
	}
}

// --- K cost with liquidity providers ---

func mintShares(t *testing.T, m *model.PerpMarket, shares int64) {
	t.Helper()
	newSqrtK, err := fp.C(m.AMM.SqrtK).AddN(shares).Result()
	if err != nil {
		t.Fatalf("new sqrt_k: %v", err)
	}
	r, err := GetUpdateKResult(m, newSqrtK, true)
	if err != nil {
		t.Fatalf("mint k result: %v", err)
	}
	if err := UpdateK(m, r); err != nil {
		t.Fatalf("mint update k: %v", err)
	}
	if m.AMM.UserLPShares, err = fp.C(m.AMM.UserLPShares).AddN(shares).Result(); err != nil {
		t.Fatalf("user lp shares: %v", err)
	}
}

func TestAdjustKCost_WithLiquidityProviders(t *testing.T) {
	m := &model.PerpMarket{AMM: model.AMM{
		BaseAssetReserve:        n(100 * reserve),
		QuoteAssetReserve:       n(100 * reserve),
		SqrtK:                   n(100 * reserve),
		PegMultiplier:           n(50_000_000_000),
		ConcentrationCoef:       n(fp.MaxConcentrationCoefficient),
		NetBaseAssetAmount:      n(reserve / 10),
		BaseAssetAmountStepSize: n(3),
		MaxSpread:               1000,
	}}
	mintShares(t, m, reserve)

	up, err := GetUpdateKResult(m, n(102*reserve), false)
	if err != nil {
		t.Fatalf("GetUpdateKResult: %v", err)
	}
	tPrice, err := CalculateTerminalPrice(&m.AMM)
	if err != nil {
		t.Fatalf("CalculateTerminalPrice: %v", err)
	}
	if !tPrice.Eq(n(49901136949)) {
		t.Errorf("terminal price = %s, want 49901136949", tPrice)
	}
	cost, err := AdjustKCost(m, up)
	if err != nil {
		t.Fatalf("AdjustKCost: %v", err)
	}
	if !cost.Eq(n(49400)) {
		t.Errorf("cost = %s, want 49400", cost)
	}

	// a large LP does not change what the AMM-owned share pays
	mintShares(t, m, 1000*reserve)
	up, err = GetUpdateKResult(m, n(1102*reserve), false)
	if err != nil {
		t.Fatalf("GetUpdateKResult: %v", err)
	}
	if cost, err = AdjustKCost(m, up); err != nil {
		t.Fatalf("AdjustKCost: %v", err)
	}
	if !cost.Eq(n(49450)) {
		t.Errorf("cost after whale = %s, want 49450", cost)
	}

	down, err := GetUpdateKResult(m, n(1001*reserve), false)
	if err != nil {
		t.Fatalf("GetUpdateKResult: %v", err)
	}
	if cost, err = AdjustKCost(m, down); err != nil {
		t.Fatalf("AdjustKCost: %v", err)
	}
	if !cost.Eq(n(-4995004950)) {
		t.Errorf("cost of shrink = %s, want -4995004950", cost)
	}
}
