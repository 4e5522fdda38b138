package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateBaseAssetValue is the quote a position of base would get by
// closing against the AMM-owned share of the reserves. With useSpread the
// close executes on the spread reserves of the closing side.
func CalculateBaseAssetValue(base fp.Int, a *model.AMM, useSpread bool) (fp.Int, error) {
	if base.IsZero() {
		return fp.Zero, nil
	}

	dir, closeSide := model.Add, model.Short
	if base.IsNegative() {
		dir, closeSide = model.Remove, model.Long
	}

	baseReserve, quoteReserve := a.BaseAssetReserve, a.QuoteAssetReserve
	if useSpread && a.BaseSpread > 0 {
		baseReserve, quoteReserve = GetSpreadReserves(a, closeSide)
	}

	ammLP, err := fp.C(a.SqrtK).Sub(a.UserLPShares).Unsigned().Result()
	if err != nil {
		return fp.Zero, err
	}
	if ammLP.IsZero() {
		return fp.Zero, invariantf("amm owns no liquidity")
	}
	baseProportion, err := fp.Proportion(baseReserve, ammLP, a.SqrtK)
	if err != nil {
		return fp.Zero, err
	}
	quoteProportion, err := fp.Proportion(quoteReserve, ammLP, a.SqrtK)
	if err != nil {
		return fp.Zero, err
	}

	newQuote, _, err := CalculateSwapOutput(base.Abs(), baseProportion, dir, ammLP)
	if err != nil {
		return fp.Zero, err
	}
	return CalculateQuoteAssetAmountSwapped(quoteProportion, newQuote, dir, a.PegMultiplier)
}

// CalculateBaseAssetValueAndPnl returns the close value of base and the
// pnl against entry, the quote paid (long) or received (short) to open.
func CalculateBaseAssetValueAndPnl(base, entry fp.Int, a *model.AMM, useSpread bool) (value, pnl fp.Int, err error) {
	if base.IsZero() {
		return fp.Zero, fp.Zero, nil
	}
	value, err = CalculateBaseAssetValue(base, a, useSpread)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if base.IsPositive() {
		pnl, err = fp.C(value).Sub(entry).Result()
	} else {
		pnl, err = fp.C(entry).Sub(value).Result()
	}
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return value, pnl, nil
}
