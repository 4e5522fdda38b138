package amm

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// UpdateKResult is a new depth and the reserves that realize it at an
// unchanged reserve price.
type UpdateKResult struct {
	SqrtK             fp.Int
	BaseAssetReserve  fp.Int
	QuoteAssetReserve fp.Int
}

// CalculateBudgetedKScale returns the (numerator, denominator) scale of K
// that spends roughly budget (QUOTE precision; negative means the AMM
// recovers funds by shrinking K). increaseMax bounds growth in
// K_BPS_UPDATE_SCALE precision and must be at least 1.
func CalculateBudgetedKScale(m *model.PerpMarket, budget fp.Int, increaseMax int64) (num, den fp.Int, err error) {
	if increaseMax < fp.KBpsUpdateScale {
		return fp.Zero, fp.Zero, fmt.Errorf("%w: increase max %d < %d", ErrInvalidUpdateK, increaseMax, fp.KBpsUpdateScale)
	}
	lower := fp.KBpsUpdateScale - fp.KBpsDecreaseMax*m.AMM.CurveUpdateIntensity/100

	return calculateBudgetedKScale(
		m.AMM.BaseAssetReserve,
		m.AMM.QuoteAssetReserve,
		budget,
		m.AMM.PegMultiplier,
		m.AMM.NetBaseAssetAmount,
		increaseMax,
		lower,
	)
}

// calculateBudgetedKScale solves for the K scale whose adjustment cost
// equals the budget, given reserves x (base) and y (quote), peg q and the
// users' net position d. The result is clamped to [lower, upper] of
// K_BPS_UPDATE_SCALE.
func calculateBudgetedKScale(x, y, budget, q, d fp.Int, upper, lower int64) (num, den fp.Int, err error) {
	c := budget.Neg()
	cSign, dSign := int64(-1), int64(-1)
	if c.IsPositive() {
		cSign = 1
	}
	if d.IsPositive() {
		dSign = 1
	}
	absC, absD := c.Abs(), d.Abs()

	xd, err := fp.C(x).Add(d).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	xxdc, err := fp.W(x).Mul(xd).DivN(fp.AMMReservePrecision).
		Mul(absC).DivN(fp.QuotePrecision).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	cxdd, err := fp.W(absC).Mul(xd.Abs()).DivN(fp.QuotePrecision).
		Mul(absD).DivN(fp.AMMReservePrecision).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	pqdd, err := fp.W(y).Mul(absD).DivN(fp.AMMReservePrecision).
		Mul(absD).DivN(fp.AMMReservePrecision).
		Mul(q).DivN(fp.PegPrecision).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	bound := func(pct int64) (fp.Int, fp.Int, error) {
		return fp.New(pct), fp.New(fp.KBpsUpdateScale), nil
	}

	// spending to grow K: past this point the solve is unstable
	if cSign < 0 && xxdc.Gt(pqdd.Abs()) {
		return bound(upper)
	}

	num, err = fp.C(pqdd).Sub(cxdd).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if cSign*dSign < 0 {
		if num, err = fp.C(pqdd).Add(cxdd).Result(); err != nil {
			return fp.Zero, fp.Zero, err
		}
	}
	if num, err = fp.C(num).DivN(fp.AMMToQuoteRatio).Result(); err != nil {
		return fp.Zero, fp.Zero, err
	}

	if cSign < 0 {
		den, err = fp.C(pqdd).Sub(xxdc).DivN(fp.AMMToQuoteRatio).Result()
	} else {
		den, err = fp.C(pqdd).Add(xxdc).DivN(fp.AMMToQuoteRatio).Result()
	}
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	if num.IsNegative() && den.IsNegative() {
		num, den = num.Abs(), den.Abs()
	}
	if !num.IsPositive() || !den.IsPositive() {
		return fp.Zero, fp.Zero, invariantf("budgeted k scale %s/%s", num, den)
	}

	pct, err := fp.C(num).MulN(10_000).Div(den).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if num.Gt(den) {
		if pct.Gt(fp.New(upper * 10_000 / fp.KBpsUpdateScale)) {
			return bound(upper)
		}
	} else if pct.Lt(fp.New(lower * 10_000 / fp.KBpsUpdateScale)) {
		return bound(lower)
	}
	return num, den, nil
}

// GetUpdateKResult computes the reserves for newSqrtK at the current
// reserve price. With bound set a single decrease is limited to 2.5% and
// must leave sqrt_k above three times the net position.
func GetUpdateKResult(m *model.PerpMarket, newSqrtK fp.Int, bound bool) (UpdateKResult, error) {
	a := &m.AMM
	ratio, err := fp.W(newSqrtK).MulN(fp.AMMReservePrecision).Div(a.SqrtK).Result()
	if err != nil {
		return UpdateKResult{}, err
	}
	if bound && ratio.Lt(fp.New(975_000_000)) {
		return UpdateKResult{}, fmt.Errorf("%w: sqrt_k ratio %s below 0.975", ErrInvalidUpdateK, ratio)
	}
	if ratio.Lt(fp.New(fp.AMMReservePrecision)) {
		if ratio, err = fp.C(ratio).AddN(1).Result(); err != nil {
			return UpdateKResult{}, err
		}
	}

	net := a.NetBaseAssetAmount.Abs()
	if bound && newSqrtK.Lt(a.SqrtK) {
		third, err := fp.C(newSqrtK).DivN(3).Result()
		if err != nil {
			return UpdateKResult{}, err
		}
		if net.Gt(third) {
			return UpdateKResult{}, fmt.Errorf("%w: sqrt_k %s too small for net %s", ErrInvalidUpdateK, newSqrtK, a.NetBaseAssetAmount)
		}
	}
	if net.Gt(newSqrtK) {
		return UpdateKResult{}, fmt.Errorf("%w: sqrt_k %s below net %s", ErrInvalidUpdateK, newSqrtK, a.NetBaseAssetAmount)
	}

	base, err := fp.W(a.BaseAssetReserve).Mul(ratio).DivN(fp.AMMReservePrecision).Result()
	if err != nil {
		return UpdateKResult{}, err
	}
	quote, err := fp.W(newSqrtK).Mul(newSqrtK).Div(base).Result()
	if err != nil {
		return UpdateKResult{}, err
	}
	return UpdateKResult{SqrtK: newSqrtK, BaseAssetReserve: base, QuoteAssetReserve: quote}, nil
}

// UpdateK applies r and refreshes the terminal reserve, the reserve bounds
// and the spreads that depend on depth.
func UpdateK(m *model.PerpMarket, r UpdateKResult) error {
	a := &m.AMM
	a.BaseAssetReserve = r.BaseAssetReserve
	a.QuoteAssetReserve = r.QuoteAssetReserve
	a.SqrtK = r.SqrtK

	terminalQuote, terminalBase, err := CalculateTerminalReserves(a)
	if err != nil {
		return err
	}
	a.TerminalQuoteAssetReserve = terminalQuote

	if a.MinBaseAssetReserve, a.MaxBaseAssetReserve, err = CalculateBidAskBounds(a.ConcentrationCoef, terminalBase); err != nil {
		return err
	}

	reservePrice, err := ReservePrice(a)
	if err != nil {
		return err
	}
	_, _, err = UpdateSpreads(a, reservePrice)
	return err
}

// AdjustKCost returns what applying r would cost the AMM, without
// changing m. Positive means the AMM pays.
func AdjustKCost(m *model.PerpMarket, r UpdateKResult) (fp.Int, error) {
	clone := *m
	return AdjustKCostAndUpdate(&clone, r)
}

// AdjustKCostAndUpdate applies r to m and returns its cost: the change in
// what the users' net position is worth against the AMM-owned liquidity.
func AdjustKCostAndUpdate(m *model.PerpMarket, r UpdateKResult) (fp.Int, error) {
	before, _, err := CalculateBaseAssetValueAndPnl(m.AMM.NetBaseAssetAmount, fp.Zero, &m.AMM, false)
	if err != nil {
		return fp.Zero, err
	}
	if err := UpdateK(m, r); err != nil {
		return fp.Zero, err
	}
	_, cost, err := CalculateBaseAssetValueAndPnl(m.AMM.NetBaseAssetAmount, before, &m.AMM, false)
	if err != nil {
		return fp.Zero, err
	}
	return cost, nil
}
