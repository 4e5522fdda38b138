package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// imbalancedRatio is the max/min open-liquidity ratio (AMM_RESERVE
// precision) at which the AMM takes a full maker's size.
const imbalancedRatio = 15 * fp.AMMReservePrecision / 10

// CalculateJITBaseAssetAmount sizes the AMM's just-in-time fill beside a
// maker of makerAmount. validOracle is nil when no valid oracle price is
// available, in which case the AMM does not participate. An auction price
// on the wrong side of the oracle for the taker looks like a wash trade
// and shrinks the size by washDivisor.
func CalculateJITBaseAssetAmount(m *model.PerpMarket, makerAmount, auctionPrice fp.Int, validOracle *fp.Int, takerDir model.PositionDirection, washDivisor int64) (fp.Int, error) {
	maxJIT, err := fp.C(makerAmount).DivN(2).Result()
	if err != nil {
		return fp.Zero, err
	}

	if validOracle == nil {
		return fp.Zero, nil
	}
	if (takerDir == model.Long && auctionPrice.Lt(*validOracle)) ||
		(takerDir == model.Short && auctionPrice.Gt(*validOracle)) {
		if maxJIT, err = fp.C(maxJIT).DivN(washDivisor).Result(); err != nil {
			return fp.Zero, err
		}
	}
	if maxJIT.IsZero() {
		return fp.Zero, nil
	}

	bids, asks, err := MarketOpenBidsAsks(&m.AMM)
	if err != nil {
		return fp.Zero, err
	}
	bids, asks = bids.Abs(), asks.Abs()
	ratio, err := fp.C(fp.Max(bids, asks)).MulN(fp.AMMReservePrecision).Div(fp.Min(bids, asks)).Result()
	if err != nil {
		return fp.Zero, err
	}

	jit := makerAmount
	if ratio.Lt(fp.New(imbalancedRatio)) {
		if jit, err = fp.C(makerAmount).DivN(4).Result(); err != nil {
			return fp.Zero, err
		}
	}
	if jit.IsZero() {
		return fp.Zero, nil
	}

	if jit, err = ClampJITBaseAssetAmount(m, jit); err != nil {
		return fp.Zero, err
	}
	return fp.StandardizeBaseAssetAmount(fp.Min(jit, maxJIT), m.AMM.BaseAssetAmountStepSize)
}

// ClampJITBaseAssetAmount scales jit by amm_jit_intensity percent and caps
// it at the users' net position so the AMM never flips its side.
func ClampJITBaseAssetAmount(m *model.PerpMarket, jit fp.Int) (fp.Int, error) {
	scaled, err := fp.C(jit).MulN(m.AMM.AMMJITIntensity).DivN(100).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.Min(scaled, m.AMM.NetBaseAssetAmount.Abs()), nil
}
