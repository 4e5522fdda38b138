// Package amm implements the virtual AMM that prices perp trades: the
// constant-product swap, asymmetric bid/ask spreads, mark and oracle TWAPs,
// and depth (K) management.
//
// Functions take the AMM or market record by pointer and mutate it in place;
// callers work on copies and commit only after every step succeeded.
package amm

import (
	"errors"
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrTradeSizeTooLarge is returned when a swap would drain a reserve.
	ErrTradeSizeTooLarge = errors.New("amm: trade size too large")

	// ErrInvalidUpdateK is returned when a depth change is out of bounds.
	ErrInvalidUpdateK = errors.New("amm: invalid k update")

	// ErrInvalidSpread is returned when spreads break the max spread cap.
	ErrInvalidSpread = errors.New("amm: invalid spread")

	// ErrInvalidOracle is returned when the AMM has no usable oracle price.
	ErrInvalidOracle = errors.New("amm: invalid oracle price")

	// ErrInvariant is returned when an internal consistency check fails.
	ErrInvariant = errors.New("amm: invariant violated")
)

// CalculatePrice returns quote*peg/base in PRICE precision.
func CalculatePrice(quoteReserve, baseReserve, peg fp.Int) (fp.Int, error) {
	return fp.W(quoteReserve).Mul(peg).MulN(fp.PriceToPegRatio).Div(baseReserve).Result()
}

// ReservePrice is the mid price implied by the canonical reserves.
func ReservePrice(a *model.AMM) (fp.Int, error) {
	return CalculatePrice(a.QuoteAssetReserve, a.BaseAssetReserve, a.PegMultiplier)
}

// BidPrice is the price a seller receives at the bid reserves.
func BidPrice(a *model.AMM) (fp.Int, error) {
	return CalculatePrice(a.BidQuoteAssetReserve, a.BidBaseAssetReserve, a.PegMultiplier)
}

// AskPrice is the price a buyer pays at the ask reserves.
func AskPrice(a *model.AMM) (fp.Int, error) {
	return CalculatePrice(a.AskQuoteAssetReserve, a.AskBaseAssetReserve, a.PegMultiplier)
}

// BidAskPriceFromSpreads derives bid and ask from the reserve price and the
// current half spreads without touching the spread reserves.
func BidAskPriceFromSpreads(a *model.AMM, reservePrice fp.Int) (bid, ask fp.Int, err error) {
	bid, err = fp.C(reservePrice).Mul(fp.New(fp.BidAskSpreadPrecision - a.ShortSpread)).DivN(fp.BidAskSpreadPrecision).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	ask, err = fp.C(reservePrice).Mul(fp.New(fp.BidAskSpreadPrecision + a.LongSpread)).DivN(fp.BidAskSpreadPrecision).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return bid, ask, nil
}

// CalculateBidAskBounds returns the (min, max) base reserve the concentration
// coefficient allows around sqrtK.
func CalculateBidAskBounds(concentrationCoef, sqrtK fp.Int) (minReserve, maxReserve fp.Int, err error) {
	precision := fp.New(fp.ConcentrationPrecision)
	maxReserve, err = fp.Proportion(sqrtK, concentrationCoef, precision)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	minReserve, err = fp.Proportion(sqrtK, precision, concentrationCoef)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return minReserve, maxReserve, nil
}

// MarketOpenBidsAsks returns how much base the AMM can still buy (bids,
// positive) and sell (asks, negative) before hitting its reserve bounds.
func MarketOpenBidsAsks(a *model.AMM) (bids, asks fp.Int, err error) {
	return marketOpenBidsAsks(a.BaseAssetReserve, a.MinBaseAssetReserve, a.MaxBaseAssetReserve)
}

func marketOpenBidsAsks(baseReserve, minReserve, maxReserve fp.Int) (bids, asks fp.Int, err error) {
	if baseReserve.Lt(maxReserve) {
		asks, err = fp.C(maxReserve).Sub(baseReserve).Neg().Result()
		if err != nil {
			return fp.Zero, fp.Zero, err
		}
	}
	if baseReserve.Gt(minReserve) {
		bids, err = fp.C(baseReserve).Sub(minReserve).Result()
		if err != nil {
			return fp.Zero, fp.Zero, err
		}
	}
	return bids, asks, nil
}

// CalculateTerminalReserves returns the (quote, base) reserves after the
// users' net position is unwound against the AMM.
func CalculateTerminalReserves(a *model.AMM) (quote, base fp.Int, err error) {
	dir := model.Remove
	if a.NetBaseAssetAmount.IsPositive() {
		dir = model.Add
	}
	return CalculateSwapOutput(a.NetBaseAssetAmount.Abs(), a.BaseAssetReserve, dir, a.SqrtK)
}

// CalculateTerminalPriceAndReserves returns the terminal price and reserves.
func CalculateTerminalPriceAndReserves(a *model.AMM) (price, quote, base fp.Int, err error) {
	quote, base, err = CalculateTerminalReserves(a)
	if err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	price, err = CalculatePrice(quote, base, a.PegMultiplier)
	if err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	return price, quote, base, nil
}

// CalculateTerminalPrice is the price once the net position is unwound.
func CalculateTerminalPrice(a *model.AMM) (fp.Int, error) {
	price, _, _, err := CalculateTerminalPriceAndReserves(a)
	return price, err
}

// ReserveToQuoteAmount converts a quote reserve amount to QUOTE precision.
func ReserveToQuoteAmount(reserve, peg fp.Int) (fp.Int, error) {
	return fp.W(reserve).Mul(peg).DivN(fp.AMMTimesPegToQuote).Result()
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...)
}
