package position

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	reserve = 10_000 * fp.AMMReservePrecision
	price   = fp.PricePrecision
	unit    = fp.BasePrecision
)

func n(v int64) fp.Int { return fp.New(v) }

// fortyDollarMarket is a flat $40 market with no spread and no fees taken yet.
func fortyDollarMarket() *model.PerpMarket {
	return &model.PerpMarket{
		MarketIndex: 0,
		Symbol:      "SOL-PERP",
		Status:      model.MarketActive,
		AMM: model.AMM{
			BaseAssetReserve:     n(reserve),
			QuoteAssetReserve:    n(reserve),
			SqrtK:                n(reserve),
			PegMultiplier:        n(40 * fp.PegPrecision),
			ConcentrationCoef:    n(fp.MaxConcentrationCoefficient),
			AskBaseAssetReserve:  n(reserve),
			AskQuoteAssetReserve: n(reserve),
			BidBaseAssetReserve:  n(reserve),
			BidQuoteAssetReserve: n(reserve),
			FundingPeriod:        fp.OneHour,

			LastMarkPriceTWAP:     n(40 * price),
			LastMarkPriceTWAP5Min: n(40 * price),
			LastBidPriceTWAP:      n(40 * price),
			LastAskPriceTWAP:      n(40 * price),
			HistoricalOracleData: model.HistoricalOracleData{
				LastOraclePrice:         n(40 * price),
				LastOraclePriceTWAP:     n(40 * price),
				LastOraclePriceTWAP5Min: n(40 * price),
			},
		},
	}
}

// heldLong is a market holding one position of 10 long bought for 1000.
func heldLong() (*model.PerpMarket, *model.PerpPosition) {
	m := &model.PerpMarket{
		NumberOfUsers:         1,
		NumberOfUsersWithBase: 1,
		AMM: model.AMM{
			BaseAssetAmountLong:      n(10),
			QuoteEntryAmountLong:     n(-1000),
			QuoteBreakEvenAmountLong: n(-1000),
			QuoteAssetAmount:         n(-1000),
		},
	}
	p := &model.PerpPosition{
		BaseAssetAmount:      n(10),
		QuoteAssetAmount:     n(-1000),
		QuoteEntryAmount:     n(-1000),
		QuoteBreakEvenAmount: n(-1000),
	}
	return m, p
}

func sumBase(users ...*model.User) fp.Int {
	total := fp.Zero
	for _, u := range users {
		for _, p := range u.PerpPositions {
			total, _ = fp.C(total).Add(p.BaseAssetAmount).Result()
		}
	}
	return total
}

// --- Update classification tests ---

func TestGetPositionUpdateType(t *testing.T) {
	tests := []struct {
		name      string
		base, rem int64
		delta     int64
		want      UpdateType
	}{
		{"flat", 0, 0, 5, Open},
		{"flat with lp remainder", 0, 3, 5, Increase},
		{"same side", 10, 0, 5, Increase},
		{"smaller opposite", 10, 0, -4, Reduce},
		{"equal opposite", -10, 0, 10, Close},
		{"larger opposite", 10, 0, -15, Flip},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &model.PerpPosition{BaseAssetAmount: n(tc.base), RemainderBaseAssetAmount: n(tc.rem)}
			got := GetPositionUpdateType(p, model.PositionDelta{BaseAssetAmount: n(tc.delta)})
			if got != tc.want {
				t.Errorf("GetPositionUpdateType = %s, want %s", got, tc.want)
			}
		})
	}
}

// --- Position update tests ---

func TestUpdatePositionAndMarket_Flip(t *testing.T) {
	m, p := heldLong()
	m.AMM.CumulativeFundingRateShort = n(7)

	pnl, err := UpdatePositionAndMarket(p, m, model.PositionDelta{BaseAssetAmount: n(-15), QuoteAssetAmount: n(1500)})
	if err != nil {
		t.Fatalf("UpdatePositionAndMarket: %v", err)
	}
	if !pnl.IsZero() {
		t.Errorf("pnl = %s, want 0", pnl)
	}
	if !p.BaseAssetAmount.Eq(n(-5)) || !p.QuoteEntryAmount.Eq(n(500)) || !p.QuoteBreakEvenAmount.Eq(n(500)) || !p.QuoteAssetAmount.Eq(n(500)) {
		t.Errorf("position = base %s entry %s break-even %s quote %s, want -5/500/500/500",
			p.BaseAssetAmount, p.QuoteEntryAmount, p.QuoteBreakEvenAmount, p.QuoteAssetAmount)
	}
	if !p.LastCumulativeFundingRate.Eq(n(7)) {
		t.Errorf("funding snapshot = %s, want short accumulator 7", p.LastCumulativeFundingRate)
	}
	a := m.AMM
	if !a.BaseAssetAmountLong.IsZero() || !a.QuoteEntryAmountLong.IsZero() || !a.QuoteBreakEvenAmountLong.IsZero() {
		t.Errorf("long side = %s/%s/%s, want empty", a.BaseAssetAmountLong, a.QuoteEntryAmountLong, a.QuoteBreakEvenAmountLong)
	}
	if !a.BaseAssetAmountShort.Eq(n(-5)) || !a.QuoteEntryAmountShort.Eq(n(500)) || !a.QuoteAssetAmount.Eq(n(500)) {
		t.Errorf("short side = %s/%s quote %s, want -5/500 quote 500", a.BaseAssetAmountShort, a.QuoteEntryAmountShort, a.QuoteAssetAmount)
	}
	if m.NumberOfUsers != 1 || m.NumberOfUsersWithBase != 1 {
		t.Errorf("user counts = %d/%d, want 1/1", m.NumberOfUsers, m.NumberOfUsersWithBase)
	}
}

func TestUpdatePositionAndMarket_ReduceAndClose(t *testing.T) {
	m, p := heldLong()
	pnl, err := UpdatePositionAndMarket(p, m, model.PositionDelta{BaseAssetAmount: n(-4), QuoteAssetAmount: n(500)})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if !pnl.Eq(n(100)) || !p.QuoteEntryAmount.Eq(n(-600)) || !m.AMM.QuoteEntryAmountLong.Eq(n(-600)) || !m.AMM.BaseAssetAmountLong.Eq(n(6)) {
		t.Errorf("reduce: pnl %s entry %s market entry %s base %s, want 100/-600/-600/6",
			pnl, p.QuoteEntryAmount, m.AMM.QuoteEntryAmountLong, m.AMM.BaseAssetAmountLong)
	}

	pnl, err = UpdatePositionAndMarket(p, m, model.PositionDelta{BaseAssetAmount: n(-6), QuoteAssetAmount: n(540)})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pnl.Eq(n(-60)) {
		t.Errorf("close pnl = %s, want -60", pnl)
	}
	if !p.BaseAssetAmount.IsZero() || !p.QuoteEntryAmount.IsZero() || !p.LastCumulativeFundingRate.IsZero() {
		t.Errorf("closed position = %+v", p)
	}
	// 40 of realized pnl stays in quote, so the position is still counted.
	if !p.QuoteAssetAmount.Eq(n(40)) || m.NumberOfUsers != 1 || m.NumberOfUsersWithBase != 0 {
		t.Errorf("quote %s, user counts %d/%d, want 40 and 1/0", p.QuoteAssetAmount, m.NumberOfUsers, m.NumberOfUsersWithBase)
	}
}

func TestUpdatePositionAndMarket_QuoteOnly(t *testing.T) {
	m := &model.PerpMarket{}
	p := &model.PerpPosition{}
	pnl, err := UpdatePositionAndMarket(p, m, model.PositionDelta{QuoteAssetAmount: n(-25)})
	if err != nil {
		t.Fatalf("UpdatePositionAndMarket: %v", err)
	}
	if !pnl.Eq(n(-25)) || !p.QuoteAssetAmount.Eq(n(-25)) || m.NumberOfUsers != 1 {
		t.Errorf("pnl %s quote %s users %d, want -25/-25/1", pnl, p.QuoteAssetAmount, m.NumberOfUsers)
	}
}

func TestUpdatePositionAndMarket_RejectsBeforeWriting(t *testing.T) {
	t.Run("stale funding", func(t *testing.T) {
		m, p := heldLong()
		m.AMM.CumulativeFundingRateLong = n(5)
		before := *p
		_, err := UpdatePositionAndMarket(p, m, model.PositionDelta{BaseAssetAmount: n(1), QuoteAssetAmount: n(-100)})
		if !errors.Is(err, ErrInvalidPositionLastFundingRate) {
			t.Fatalf("err = %v, want ErrInvalidPositionLastFundingRate", err)
		}
		if *p != before || !m.AMM.BaseAssetAmountLong.Eq(n(10)) {
			t.Errorf("state changed on rejected update")
		}
	})
	t.Run("step size", func(t *testing.T) {
		m, p := heldLong()
		m.AMM.BaseAssetAmountStepSize = n(2)
		before := *p
		_, err := UpdatePositionAndMarket(p, m, model.PositionDelta{BaseAssetAmount: n(-15), QuoteAssetAmount: n(1500)})
		if !errors.Is(err, ErrStepSize) {
			t.Fatalf("err = %v, want ErrStepSize", err)
		}
		if *p != before || !m.AMM.QuoteAssetAmount.Eq(n(-1000)) {
			t.Errorf("state changed on rejected update")
		}
	})
}

// --- Fill tests ---

func TestFillWithAMM_LongThenClose(t *testing.T) {
	m := fortyDollarMarket()
	user := model.NewUser("taker")
	tier := model.DefaultPerpFeeStructure().Tier(0)

	open, err := FillWithAMM(user, m, n(unit), model.Long, tier, 100)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// 1e26/(1e13-1e9) moves the quote reserve by 1000100010, i.e. $40.004000
	// at a $40 peg, plus one unit for the removal.
	if !open.QuoteAssetAmount.Eq(n(40_004_001)) || !open.QuoteAssetAmountSurplus.IsZero() {
		t.Errorf("quote = %s surplus %s, want 40004001 and 0", open.QuoteAssetAmount, open.QuoteAssetAmountSurplus)
	}
	if !open.Fee.Eq(n(40_005)) {
		t.Errorf("fee = %s, want 10 bps rounded up: 40005", open.Fee)
	}
	if !open.Pnl.Eq(open.Fee.Neg()) {
		t.Errorf("opening pnl = %s, want -fee %s", open.Pnl, open.Fee)
	}

	p, err := user.PerpPosition(m.MarketIndex)
	if err != nil {
		t.Fatalf("PerpPosition: %v", err)
	}
	paid, _ := fp.C(open.QuoteAssetAmount).Add(open.Fee).Result()
	if !p.BaseAssetAmount.Eq(n(unit)) || !p.QuoteAssetAmount.Eq(paid.Neg()) || !p.QuoteEntryAmount.Eq(open.QuoteAssetAmount.Neg()) {
		t.Errorf("position = base %s quote %s entry %s", p.BaseAssetAmount, p.QuoteAssetAmount, p.QuoteEntryAmount)
	}
	breakEven, _ := fp.C(p.QuoteEntryAmount).Sub(open.Fee).Result()
	if !p.QuoteBreakEvenAmount.Eq(breakEven) || !m.AMM.QuoteBreakEvenAmountLong.Eq(breakEven) {
		t.Errorf("break-even = %s, long side %s, want entry less fee %s",
			p.QuoteBreakEvenAmount, m.AMM.QuoteBreakEvenAmountLong, breakEven)
	}
	if !m.AMM.QuoteEntryAmountLong.Eq(p.QuoteEntryAmount) {
		t.Errorf("long entry = %s, want %s", m.AMM.QuoteEntryAmountLong, p.QuoteEntryAmount)
	}
	a := m.AMM
	pool, _ := fp.C(open.Fee).Add(open.QuoteAssetAmountSurplus).Result()
	if !a.NetBaseAssetAmount.Eq(n(unit)) || !a.TotalFeeMinusDistributions.Eq(pool) || !a.TotalExchangeFee.Eq(open.Fee) {
		t.Errorf("market net %s pool %s exchange fee %s", a.NetBaseAssetAmount, a.TotalFeeMinusDistributions, a.TotalExchangeFee)
	}
	if !open.ReservePriceAfter.Gt(open.ReservePriceBefore) {
		t.Errorf("reserve price %s -> %s, want a rise after a buy", open.ReservePriceBefore, open.ReservePriceAfter)
	}
	if !user.TotalFeePaid.Eq(open.Fee) || m.NumberOfUsersWithBase != 1 {
		t.Errorf("fee paid %s users with base %d", user.TotalFeePaid, m.NumberOfUsersWithBase)
	}

	closing, err := FillWithAMM(user, m, n(unit), model.Short, tier, 200)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	want, _ := fp.C(closing.QuoteAssetAmount).Sub(open.QuoteAssetAmount).Sub(closing.Fee).Result()
	if !closing.Pnl.Eq(want) || !closing.Pnl.IsNegative() {
		t.Errorf("round trip pnl = %s, want %s", closing.Pnl, want)
	}
	if !p.BaseAssetAmount.IsZero() || !m.AMM.NetBaseAssetAmount.IsZero() || m.NumberOfUsersWithBase != 0 {
		t.Errorf("after close: base %s net %s users with base %d", p.BaseAssetAmount, m.AMM.NetBaseAssetAmount, m.NumberOfUsersWithBase)
	}
	if !p.QuoteBreakEvenAmount.IsZero() || !m.AMM.QuoteBreakEvenAmountLong.IsZero() || !m.AMM.QuoteBreakEvenAmountShort.IsZero() {
		t.Errorf("after close: break-even %s, sides %s/%s, want all zero",
			p.QuoteBreakEvenAmount, m.AMM.QuoteBreakEvenAmountLong, m.AMM.QuoteBreakEvenAmountShort)
	}
}

func TestFillWithAMM_Rejections(t *testing.T) {
	tier := model.DefaultPerpFeeStructure().Tier(0)
	tests := []struct {
		name   string
		setup  func(*model.PerpMarket)
		amount int64
		want   error
	}{
		{"zero amount", func(*model.PerpMarket) {}, 0, ErrInvalidAmount},
		{"off step", func(m *model.PerpMarket) { m.AMM.BaseAssetAmountStepSize = n(1_000_000) }, unit + 1, ErrStepSize},
		{"initialized market", func(m *model.PerpMarket) { m.Status = model.MarketInitialized }, unit, ErrMarketNotActive},
		{"reduce only opening", func(m *model.PerpMarket) { m.Status = model.MarketReduceOnly }, unit, ErrReduceOnly},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := fortyDollarMarket()
			tc.setup(m)
			_, err := FillWithAMM(model.NewUser("taker"), m, n(tc.amount), model.Long, tier, 100)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

// --- LP tests ---

func TestLPLifecycle_ConservesBase(t *testing.T) {
	m := fortyDollarMarket()
	m.AMM.BaseAssetAmountStepSize = n(1_000_000)
	tier := model.DefaultPerpFeeStructure().Tier(0)

	lp := model.NewUser("lp")
	lpPos, err := lp.ForcePerpPosition(m.MarketIndex)
	if err != nil {
		t.Fatalf("ForcePerpPosition: %v", err)
	}
	if _, _, err := MintLPShares(lpPos, m, n(1_000_000_000_000)); err != nil {
		t.Fatalf("MintLPShares: %v", err)
	}
	if !m.AMM.SqrtK.Eq(n(11_000_000_000_000)) || !m.AMM.UserLPShares.Eq(n(1_000_000_000_000)) {
		t.Fatalf("after mint sqrt_k %s user shares %s", m.AMM.SqrtK, m.AMM.UserLPShares)
	}

	taker := model.NewUser("taker")
	rec, err := FillWithAMM(taker, m, n(3*unit), model.Long, tier, 100)
	if err != nil {
		t.Fatalf("FillWithAMM: %v", err)
	}
	if !rec.LPBaseAssetAmount.Eq(n(272_727_000)) {
		t.Errorf("lp base = %s, want 272727000", rec.LPBaseAssetAmount)
	}
	if !m.AMM.NetBaseAssetAmount.Eq(n(2_727_273_000)) || !m.AMM.NetUnsettledLPBaseAssetAmount.Eq(n(272_727_000)) {
		t.Errorf("net %s unsettled %s", m.AMM.NetBaseAssetAmount, m.AMM.NetUnsettledLPBaseAssetAmount)
	}
	if !m.AMM.TotalFeeMinusDistributions.Lt(rec.Fee) || !m.AMM.QuoteAssetAmountPerLP.IsPositive() {
		t.Errorf("lp fee share not split: pool %s fee %s per lp quote %s",
			m.AMM.TotalFeeMinusDistributions, rec.Fee, m.AMM.QuoteAssetAmountPerLP)
	}

	delta, _, err := SettleLPPosition(lpPos, m)
	if err != nil {
		t.Fatalf("SettleLPPosition: %v", err)
	}
	if !delta.BaseAssetAmount.Eq(n(-272_000_000)) || !lpPos.RemainderBaseAssetAmount.Eq(n(-727_000)) {
		t.Errorf("settled base %s remainder %s, want -272000000 and -727000", delta.BaseAssetAmount, lpPos.RemainderBaseAssetAmount)
	}
	assertConserved(t, m, taker, lp)

	if _, pnl, err := BurnLPShares(lpPos, m, n(1_000_000_000_000), n(40*price)); err != nil {
		t.Fatalf("BurnLPShares: %v", err)
	} else if !pnl.Eq(n(-29_081)) {
		t.Errorf("dust close pnl = %s, want -29081", pnl)
	}
	if !lpPos.LPShares.IsZero() || !lpPos.RemainderBaseAssetAmount.IsZero() || !m.AMM.UserLPShares.IsZero() {
		t.Errorf("lp shares %s remainder %s market shares %s", lpPos.LPShares, lpPos.RemainderBaseAssetAmount, m.AMM.UserLPShares)
	}
	if !m.AMM.SqrtK.Eq(n(reserve)) || !m.AMM.NetUnsettledLPBaseAssetAmount.IsZero() {
		t.Errorf("after burn sqrt_k %s unsettled %s", m.AMM.SqrtK, m.AMM.NetUnsettledLPBaseAssetAmount)
	}
	assertConserved(t, m, taker, lp)
}

func assertConserved(t *testing.T, m *model.PerpMarket, users ...*model.User) {
	t.Helper()
	held := sumBase(users...)
	tracked, _ := fp.C(m.AMM.NetBaseAssetAmount).Add(m.AMM.NetUnsettledLPBaseAssetAmount).Result()
	if !held.Eq(tracked) {
		t.Errorf("positions hold %s, market tracks %s", held, tracked)
	}
	sides, _ := fp.C(m.AMM.BaseAssetAmountLong).Add(m.AMM.BaseAssetAmountShort).Result()
	if !held.Eq(sides) {
		t.Errorf("positions hold %s, long+short aggregates %s", held, sides)
	}
}

func TestBurnLPShares_Validation(t *testing.T) {
	m := fortyDollarMarket()
	p := &model.PerpPosition{LPShares: n(10)}
	if _, _, err := BurnLPShares(p, m, n(11), n(40*price)); !errors.Is(err, ErrInsufficientLPShares) {
		t.Errorf("burn too many: err = %v", err)
	}
	if _, _, err := MintLPShares(p, m, n(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("mint zero: err = %v", err)
	}
}

func TestAggregatesMatchPositions_RandomSequence(t *testing.T) {
	const (
		step  = 1_000_000
		chunk = 250 * unit
	)
	m := fortyDollarMarket()
	m.AMM.BaseAssetAmountStepSize = n(step)
	tier := model.DefaultPerpFeeStructure().Tier(0)
	oraclePrice := n(40 * price)

	users := make([]*model.User, 6)
	for i := range users {
		users[i] = model.NewUser(fmt.Sprintf("user-%d", i))
	}
	// Users 0 and 1 also provide liquidity; chunks tracks their shares.
	chunks := map[int]int64{}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 400; i++ {
		idx := r.Intn(len(users))
		u := users[idx]
		op := r.Intn(10)
		if idx > 1 && op >= 7 {
			op = r.Intn(7)
		}

		var desc string
		switch {
		case op <= 4:
			dir := model.Long
			if r.Intn(2) == 1 {
				dir = model.Short
			}
			amount := int64(1+r.Intn(5)) * unit
			desc = fmt.Sprintf("%s fills %s %d", u.Authority, dir, amount)
			if _, err := FillWithAMM(u, m, n(amount), dir, tier, int64(100+i)); err != nil {
				t.Fatalf("step %d: %s: %v", i, desc, err)
			}
		case op <= 6:
			p, err := u.PerpPosition(m.MarketIndex)
			if err != nil || p.BaseAssetAmount.IsZero() {
				continue
			}
			dir := model.Short
			if p.BaseAssetAmount.IsNegative() {
				dir = model.Long
			}
			desc = fmt.Sprintf("%s closes %s", u.Authority, p.BaseAssetAmount)
			if _, err := FillWithAMM(u, m, p.BaseAssetAmount.Abs(), dir, tier, int64(100+i)); err != nil {
				t.Fatalf("step %d: %s: %v", i, desc, err)
			}
		case op == 7:
			k := int64(1 + r.Intn(4))
			p, err := u.ForcePerpPosition(m.MarketIndex)
			if err != nil {
				t.Fatalf("step %d: ForcePerpPosition: %v", i, err)
			}
			desc = fmt.Sprintf("%s mints %d chunks", u.Authority, k)
			if _, _, err := MintLPShares(p, m, n(k*chunk)); err != nil {
				t.Fatalf("step %d: %s: %v", i, desc, err)
			}
			chunks[idx] += k
		case op == 8:
			if chunks[idx] == 0 {
				continue
			}
			k := int64(1 + r.Intn(int(chunks[idx])))
			p, err := u.PerpPosition(m.MarketIndex)
			if err != nil {
				t.Fatalf("step %d: PerpPosition: %v", i, err)
			}
			desc = fmt.Sprintf("%s burns %d of %d chunks", u.Authority, k, chunks[idx])
			if _, _, err := BurnLPShares(p, m, n(k*chunk), oraclePrice); err != nil {
				t.Fatalf("step %d: %s: %v", i, desc, err)
			}
			chunks[idx] -= k
		default:
			p, err := u.PerpPosition(m.MarketIndex)
			if err != nil {
				continue
			}
			desc = fmt.Sprintf("%s settles lp", u.Authority)
			if _, _, err := SettleLPPosition(p, m); err != nil {
				t.Fatalf("step %d: %s: %v", i, desc, err)
			}
		}
		assertAggregates(t, fmt.Sprintf("step %d: %s", i, desc), m, users...)
	}
}

// assertAggregates checks that m's per-side totals and user counts equal
// what the users' positions hold.
func assertAggregates(t *testing.T, desc string, m *model.PerpMarket, users ...*model.User) {
	t.Helper()
	add := func(total *fp.Int, v fp.Int) { *total, _ = fp.C(*total).Add(v).Result() }

	var long, short, longEntry, shortEntry, longBreakEven, shortBreakEven, quote fp.Int
	var withBase, open int64
	for _, u := range users {
		for i := range u.PerpPositions {
			p := &u.PerpPositions[i]
			if p.IsAvailable() {
				continue
			}
			add(&quote, p.QuoteAssetAmount)
			if p.IsOpen() {
				open++
			}
			switch {
			case p.BaseAssetAmount.IsPositive():
				withBase++
				add(&long, p.BaseAssetAmount)
				add(&longEntry, p.QuoteEntryAmount)
				add(&longBreakEven, p.QuoteBreakEvenAmount)
			case p.BaseAssetAmount.IsNegative():
				withBase++
				add(&short, p.BaseAssetAmount)
				add(&shortEntry, p.QuoteEntryAmount)
				add(&shortBreakEven, p.QuoteBreakEvenAmount)
			}
		}
	}

	a := m.AMM
	checks := []struct {
		name      string
		got, want fp.Int
	}{
		{"base long", a.BaseAssetAmountLong, long},
		{"base short", a.BaseAssetAmountShort, short},
		{"entry long", a.QuoteEntryAmountLong, longEntry},
		{"entry short", a.QuoteEntryAmountShort, shortEntry},
		{"break-even long", a.QuoteBreakEvenAmountLong, longBreakEven},
		{"break-even short", a.QuoteBreakEvenAmountShort, shortBreakEven},
		{"quote", a.QuoteAssetAmount, quote},
	}
	for _, c := range checks {
		if !c.got.Eq(c.want) {
			t.Fatalf("%s: market %s = %s, positions sum to %s", desc, c.name, c.got, c.want)
		}
	}
	if m.NumberOfUsersWithBase != withBase || m.NumberOfUsers != open {
		t.Fatalf("%s: users with base %d (want %d), open users %d (want %d)",
			desc, m.NumberOfUsersWithBase, withBase, m.NumberOfUsers, open)
	}
}

// --- Pnl tests ---

func TestCalculateUnrealizedPnl(t *testing.T) {
	m := &model.PerpMarket{AMM: model.AMM{CumulativeFundingRateLong: n(1_000_000)}}
	p := &model.PerpPosition{BaseAssetAmount: n(2 * unit), QuoteAssetAmount: n(-70 * fp.QuotePrecision)}
	got, err := CalculateUnrealizedPnl(p, m, n(40*price))
	if err != nil {
		t.Fatalf("CalculateUnrealizedPnl: %v", err)
	}
	if !got.Eq(n(9_998_000)) {
		t.Errorf("pnl = %s, want 9998000 (80 - 70 less 0.002 funding)", got)
	}
}

func usdcMarket() *model.SpotMarket {
	return &model.SpotMarket{
		MarketIndex:               0,
		Symbol:                    "USDC",
		Decimals:                  6,
		CumulativeDepositInterest: n(fp.SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  n(fp.SpotCumulativeInterestPrecision),
		DepositBalance:            n(100 * fp.SpotBalancePrecision),
	}
}

func withQuote(authority string, quote int64, deposit int64) *model.User {
	u := model.NewUser(authority)
	u.PerpPositions = []model.PerpPosition{{QuoteAssetAmount: n(quote)}}
	if deposit > 0 {
		u.SpotPositions = []model.SpotPosition{{
			SpotBalance: model.SpotBalance{ScaledBalance: n(deposit), BalanceType: model.Deposit},
		}}
	}
	return u
}

func TestSettlePnl_ThroughPnlPool(t *testing.T) {
	m := &model.PerpMarket{NumberOfUsers: 3}
	usdc := usdcMarket()

	loser := withQuote("loser", -30*fp.QuotePrecision, 100*fp.SpotBalancePrecision)
	rec, err := SettlePnl(loser, m, usdc, n(40*price), 10)
	if err != nil {
		t.Fatalf("settle loser: %v", err)
	}
	if !rec.Pnl.Eq(n(-30 * fp.QuotePrecision)) || !m.PnlPool.Balance().Eq(n(30*fp.QuotePrecision)) {
		t.Errorf("loser settled %s, pool %s", rec.Pnl, m.PnlPool.Balance())
	}
	if got := loser.SpotPositions[0].ScaledBalance; !got.Eq(n(70 * fp.SpotBalancePrecision)) {
		t.Errorf("loser deposit = %s, want 70 tokens scaled", got)
	}
	if !loser.PerpPositions[0].QuoteAssetAmount.IsZero() || m.NumberOfUsers != 2 {
		t.Errorf("loser quote %s users %d", loser.PerpPositions[0].QuoteAssetAmount, m.NumberOfUsers)
	}

	winner := withQuote("winner", 50*fp.QuotePrecision, 0)
	rec, err = SettlePnl(winner, m, usdc, n(40*price), 20)
	if err != nil {
		t.Fatalf("settle winner: %v", err)
	}
	if !rec.Pnl.Eq(n(30*fp.QuotePrecision)) || !m.PnlPool.Balance().IsZero() {
		t.Errorf("winner settled %s, pool %s: want capped at the pool", rec.Pnl, m.PnlPool.Balance())
	}
	sp, err := winner.SpotPosition(usdc.MarketIndex)
	if err != nil {
		t.Fatalf("SpotPosition: %v", err)
	}
	if !sp.ScaledBalance.Eq(n(30*fp.SpotBalancePrecision)) || sp.BalanceType != model.Deposit {
		t.Errorf("winner balance = %s %s", sp.ScaledBalance, sp.BalanceType)
	}
	if !winner.PerpPositions[0].QuoteAssetAmount.Eq(n(20*fp.QuotePrecision)) || !winner.SettledPerpPnl.Eq(n(30*fp.QuotePrecision)) {
		t.Errorf("winner quote %s settled %s", winner.PerpPositions[0].QuoteAssetAmount, winner.SettledPerpPnl)
	}
}

func TestSettlePnl_RequiresSettledFunding(t *testing.T) {
	m := &model.PerpMarket{AMM: model.AMM{CumulativeFundingRateLong: n(3)}}
	u := model.NewUser("u")
	u.PerpPositions = []model.PerpPosition{{BaseAssetAmount: n(unit), QuoteAssetAmount: n(-40 * fp.QuotePrecision)}}
	if _, err := SettlePnl(u, m, usdcMarket(), n(40*price), 1); !errors.Is(err, ErrInvalidPositionLastFundingRate) {
		t.Errorf("err = %v, want ErrInvalidPositionLastFundingRate", err)
	}
}
