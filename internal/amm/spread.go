package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// SpreadInputs are the AMM values the spread model reads.
type SpreadInputs struct {
	BaseSpread                      int64
	LastOracleReservePriceSpreadPct fp.Int
	LastOracleConfPct               fp.Int
	MaxSpread                       int64
	QuoteAssetReserve               fp.Int
	TerminalQuoteAssetReserve       fp.Int
	PegMultiplier                   fp.Int
	NetBaseAssetAmount              fp.Int
	ReservePrice                    fp.Int
	TotalFeeMinusDistributions      fp.Int
	BaseAssetReserve                fp.Int
	MinBaseAssetReserve             fp.Int
	MaxBaseAssetReserve             fp.Int
}

// SpreadInputsFor collects the spread inputs from a.
func SpreadInputsFor(a *model.AMM, reservePrice fp.Int) SpreadInputs {
	return SpreadInputs{
		BaseSpread:                      a.BaseSpread,
		LastOracleReservePriceSpreadPct: a.LastOracleReservePriceSpreadPct,
		LastOracleConfPct:               a.LastOracleConfPct,
		MaxSpread:                       a.MaxSpread,
		QuoteAssetReserve:               a.QuoteAssetReserve,
		TerminalQuoteAssetReserve:       a.TerminalQuoteAssetReserve,
		PegMultiplier:                   a.PegMultiplier,
		NetBaseAssetAmount:              a.NetBaseAssetAmount,
		ReservePrice:                    reservePrice,
		TotalFeeMinusDistributions:      a.TotalFeeMinusDistributions,
		BaseAssetReserve:                a.BaseAssetReserve,
		MinBaseAssetReserve:             a.MinBaseAssetReserve,
		MaxBaseAssetReserve:             a.MaxBaseAssetReserve,
	}
}

// CapToMaxSpread shrinks the larger side first until long+short fits max.
func CapToMaxSpread(long, short, maxSpread int64) (int64, int64, error) {
	if long+short > maxSpread {
		if long > short {
			long = min(maxSpread, long)
			short = maxSpread - long
		} else {
			short = min(maxSpread, short)
			long = maxSpread - short
		}
	}
	if long+short > maxSpread {
		return 0, 0, ErrInvalidSpread
	}
	return long, short, nil
}

// CalculateSpread returns the (long, short) half spreads in
// BID_ASK_SPREAD precision.
//
// Starting from half the base spread on each side it applies, in order:
// oracle retreat (the side trading toward the oracle is floored at the
// oracle gap plus confidence), inventory skew on the side that grows the
// AMM's exposure, and an effective leverage scale of that exposure against
// the fee pool. A non-positive fee pool widens both sides by the large
// factor. The result is capped at max(max_spread, |oracle gap|).
func CalculateSpread(in SpreadInputs) (long, short int64, err error) {
	longSpread := fp.New(in.BaseSpread / 2)
	shortSpread := fp.New(in.BaseSpread / 2)

	retreat, err := fp.C(in.LastOracleReservePriceSpreadPct.Abs()).Add(in.LastOracleConfPct).Result()
	if err != nil {
		return 0, 0, err
	}
	if in.LastOracleReservePriceSpreadPct.IsNegative() {
		longSpread = fp.Max(longSpread, retreat)
	} else {
		shortSpread = fp.Max(shortSpread, retreat)
	}

	// inventory scale
	maxBids, maxAsks, err := marketOpenBidsAsks(in.BaseAssetReserve, in.MinBaseAssetReserve, in.MaxBaseAssetReserve)
	if err != nil {
		return 0, 0, err
	}
	minSideLiquidity := fp.Min(maxBids, maxAsks.Abs())

	inventoryScale, err := fp.C(in.NetBaseAssetAmount).MulN(fp.DefaultLargeBidAskFactor).
		Div(fp.Max(minSideLiquidity, fp.One)).Abs().Result()
	if err != nil {
		return 0, 0, err
	}
	inventoryScaleCapped, err := capScale(inventoryScale)
	if err != nil {
		return 0, 0, err
	}

	switch in.NetBaseAssetAmount.Sign() {
	case 1:
		longSpread, err = scaleSpread(longSpread, inventoryScaleCapped)
	case -1:
		shortSpread, err = scaleSpread(shortSpread, inventoryScaleCapped)
	}
	if err != nil {
		return 0, 0, err
	}

	// effective leverage scale
	netBaseAssetValue, err := fp.C(in.QuoteAssetReserve).Sub(in.TerminalQuoteAssetReserve).
		Mul(in.PegMultiplier).DivN(fp.AMMTimesPegToQuote).Result()
	if err != nil {
		return 0, 0, err
	}
	localBaseAssetValue, err := fp.C(in.NetBaseAssetAmount).Mul(in.ReservePrice).
		DivN(fp.AMMToQuoteRatio * fp.PricePrecision).Result()
	if err != nil {
		return 0, 0, err
	}
	leverageGap, err := fp.C(localBaseAssetValue).Sub(netBaseAssetValue).Result()
	if err != nil {
		return 0, 0, err
	}
	feePoolDivisor, err := fp.C(fp.Max(fp.Zero, in.TotalFeeMinusDistributions)).AddN(1).Result()
	if err != nil {
		return 0, 0, err
	}
	effectiveLeverage, err := fp.C(fp.Max(fp.Zero, leverageGap)).MulN(fp.BidAskSpreadPrecision).
		Div(feePoolDivisor).AddN(1).Result()
	if err != nil {
		return 0, 0, err
	}
	effectiveLeverageCapped, err := capScale(effectiveLeverage)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case !in.TotalFeeMinusDistributions.IsPositive():
		large := fp.New(fp.DefaultLargeBidAskFactor)
		if longSpread, err = scaleSpread(longSpread, large); err != nil {
			return 0, 0, err
		}
		shortSpread, err = scaleSpread(shortSpread, large)
	case in.NetBaseAssetAmount.IsPositive():
		longSpread, err = scaleSpread(longSpread, effectiveLeverageCapped)
	default:
		shortSpread, err = scaleSpread(shortSpread, effectiveLeverageCapped)
	}
	if err != nil {
		return 0, 0, err
	}

	maxSpread := fp.Max(fp.New(in.MaxSpread), in.LastOracleReservePriceSpreadPct.Abs())
	l, err := longSpread.Int64()
	if err != nil {
		return 0, 0, err
	}
	s, err := shortSpread.Int64()
	if err != nil {
		return 0, 0, err
	}
	m, err := maxSpread.Int64()
	if err != nil {
		return 0, 0, err
	}
	return CapToMaxSpread(l, s, m)
}

// capScale returns min(MAX_SKEW, 1 + scale) in BID_ASK_SPREAD precision.
func capScale(scale fp.Int) (fp.Int, error) {
	v, err := fp.CN(fp.BidAskSpreadPrecision).Add(scale).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.Min(fp.New(fp.MaxBidAskInventorySkewFactor), v), nil
}

func scaleSpread(spread, scale fp.Int) (fp.Int, error) {
	return fp.C(spread).Mul(scale).DivN(fp.BidAskSpreadPrecision).Result()
}
