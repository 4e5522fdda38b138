package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateSwapOutput moves amount of the input asset into (Add) or out of
// (Remove) inputReserve and returns the (output, input) reserves that keep
// sqrtK² constant.
func CalculateSwapOutput(amount, inputReserve fp.Int, dir model.SwapDirection, sqrtK fp.Int) (newOutput, newInput fp.Int, err error) {
	if dir == model.Remove && amount.Gt(inputReserve) {
		return fp.Zero, fp.Zero, ErrTradeSizeTooLarge
	}

	in := fp.C(inputReserve)
	if dir == model.Add {
		in = in.Add(amount)
	} else {
		in = in.Sub(amount)
	}
	newInput, err = in.Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	newOutput, err = fp.W(sqrtK).Mul(sqrtK).Div(newInput).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return newOutput, newInput, nil
}

// CalculateQuoteAssetAmountSwapped converts a quote reserve move into a
// QUOTE amount. Removing base costs one extra unit.
func CalculateQuoteAssetAmountSwapped(before, after fp.Int, dir model.SwapDirection, peg fp.Int) (fp.Int, error) {
	var change fp.Int
	var err error
	if dir == model.Add {
		change, err = fp.C(before).Sub(after).Unsigned().Result()
	} else {
		change, err = fp.C(after).Sub(before).Unsigned().Result()
	}
	if err != nil {
		return fp.Zero, err
	}

	quote, err := ReserveToQuoteAmount(change, peg)
	if err != nil {
		return fp.Zero, err
	}
	if dir == model.Remove {
		return fp.C(quote).AddN(1).Result()
	}
	return quote, nil
}

// CalculateQuoteAssetAmountSurplus is the absolute gap between the quote a
// trade would move at the canonical reserves and what it paid at the
// spread reserves.
func CalculateQuoteAssetAmountSurplus(before, after fp.Int, dir model.SwapDirection, peg, quoteAmount fp.Int, roundDown bool) (fp.Int, error) {
	var change fp.Int
	var err error
	if dir == model.Add {
		change, err = fp.C(before).Sub(after).Unsigned().Result()
	} else {
		change, err = fp.C(after).Sub(before).Unsigned().Result()
	}
	if err != nil {
		return fp.Zero, err
	}

	actual, err := ReserveToQuoteAmount(change, peg)
	if err != nil {
		return fp.Zero, err
	}
	if roundDown {
		if actual, err = fp.C(actual).AddN(1).Result(); err != nil {
			return fp.Zero, err
		}
	}
	return fp.C(actual).Sub(quoteAmount).Abs().Result()
}

// GetSpreadReserves returns the (base, quote) reserves a trade in dir
// executes against: the ask side for longs, the bid side for shorts.
func GetSpreadReserves(a *model.AMM, dir model.PositionDirection) (base, quote fp.Int) {
	if dir == model.Long {
		return a.AskBaseAssetReserve, a.AskQuoteAssetReserve
	}
	return a.BidBaseAssetReserve, a.BidQuoteAssetReserve
}

// CalculateSpreadReserves derives the (base, quote) reserves for dir from
// the canonical reserves and that side's spread.
func CalculateSpreadReserves(a *model.AMM, dir model.PositionDirection) (base, quote fp.Int, err error) {
	spread := a.ShortSpread
	if dir == model.Long {
		spread = a.LongSpread
	}

	// A half spread of zero or above 100% leaves the reserves canonical.
	delta := fp.Zero
	if half := spread / 2; half > 0 && half <= fp.BidAskSpreadPrecision {
		delta, err = fp.C(a.QuoteAssetReserve).DivN(fp.BidAskSpreadPrecision / half).Result()
		if err != nil {
			return fp.Zero, fp.Zero, err
		}
	}

	q := fp.C(a.QuoteAssetReserve)
	if dir == model.Long {
		q = q.Add(delta)
	} else {
		q = q.Sub(delta)
	}
	if quote, err = q.Unsigned().Result(); err != nil {
		return fp.Zero, fp.Zero, err
	}

	base, err = fp.W(a.SqrtK).Mul(a.SqrtK).Div(quote).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return base, quote, nil
}

// UpdateSpreads recomputes the half spreads and the bid/ask reserves. With
// curve updates disabled each side is half the base spread.
func UpdateSpreads(a *model.AMM, reservePrice fp.Int) (long, short int64, err error) {
	if a.CurveUpdateIntensity > 0 {
		long, short, err = CalculateSpread(SpreadInputsFor(a, reservePrice))
		if err != nil {
			return 0, 0, err
		}
	} else {
		long, short = a.BaseSpread/2, a.BaseSpread/2
	}
	a.LongSpread, a.ShortSpread = long, short

	if a.AskBaseAssetReserve, a.AskQuoteAssetReserve, err = CalculateSpreadReserves(a, model.Long); err != nil {
		return 0, 0, err
	}
	if a.BidBaseAssetReserve, a.BidQuoteAssetReserve, err = CalculateSpreadReserves(a, model.Short); err != nil {
		return 0, 0, err
	}
	return long, short, nil
}

// SwapBaseAsset trades amount of base against the AMM. The quote paid or
// received is measured on the spread reserves of the taker's side, while
// the canonical reserves move without spread. The surplus is the gap
// between the two quote amounts and accrues to the fee pool.
func SwapBaseAsset(a *model.AMM, amount fp.Int, dir model.SwapDirection) (quote, surplus fp.Int, err error) {
	side := model.Long
	if dir == model.Add {
		side = model.Short
	}

	spreadBase, spreadQuote := GetSpreadReserves(a, side)
	newSpreadQuote, _, err := CalculateSwapOutput(amount, spreadBase, dir, a.SqrtK)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	quote, err = CalculateQuoteAssetAmountSwapped(spreadQuote, newSpreadQuote, dir, a.PegMultiplier)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	quoteBefore := a.QuoteAssetReserve
	newQuote, newBase, err := CalculateSwapOutput(amount, a.BaseAssetReserve, dir, a.SqrtK)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	surplus, err = CalculateQuoteAssetAmountSurplus(quoteBefore, newQuote, dir, a.PegMultiplier, quote, dir == model.Remove)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote
	return quote, surplus, nil
}

// CalculateBaseAssetAmountToTradeToPrice returns how much base must trade,
// and in which direction, to move the AMM to limitPrice.
func CalculateBaseAssetAmountToTradeToPrice(a *model.AMM, limitPrice fp.Int, dir model.PositionDirection) (fp.Int, model.PositionDirection, error) {
	if !limitPrice.IsPositive() {
		return fp.Zero, dir, invariantf("limit price %s <= 0", limitPrice)
	}

	newBase, err := fp.W(a.SqrtK).Mul(a.SqrtK).MulN(fp.PricePrecision).Div(limitPrice).
		Mul(a.PegMultiplier).DivN(fp.PegPrecision).Sqrt().Result()
	if err != nil {
		return fp.Zero, dir, err
	}

	before := a.BaseAssetReserve
	if a.BaseSpread > 0 {
		before, _ = GetSpreadReserves(a, dir)
	}

	if newBase.Gt(before) {
		amt, err := fp.C(newBase).Sub(before).Result()
		return amt, model.Short, err
	}
	amt, err := fp.C(before).Sub(newBase).Result()
	return amt, model.Long, err
}

// CalculateMaxBaseAssetAmountFillable caps a single fill at the smaller of
// base_reserve/max_ratio and half the liquidity left on the taker's side.
func CalculateMaxBaseAssetAmountFillable(a *model.AMM, dir model.PositionDirection) (fp.Int, error) {
	if a.MaxBaseAssetAmountRatio <= 0 {
		return fp.Zero, invariantf("max base asset amount ratio %d", a.MaxBaseAssetAmountRatio)
	}
	maxFill, err := fp.C(a.BaseAssetReserve).DivN(a.MaxBaseAssetAmountRatio).Result()
	if err != nil {
		return fp.Zero, err
	}

	var side fp.Int
	if dir == model.Long {
		side = fp.SaturatingSub(a.BaseAssetReserve, a.MinBaseAssetReserve)
	} else {
		side = fp.SaturatingSub(a.MaxBaseAssetReserve, a.BaseAssetReserve)
	}
	if side, err = fp.C(side).DivN(2).Result(); err != nil {
		return fp.Zero, err
	}

	return fp.StandardizeBaseAssetAmount(fp.Min(maxFill, side), a.BaseAssetAmountStepSize)
}
