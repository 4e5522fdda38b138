package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateNetUserCostBasis is the users' aggregate quote amount net of
// losses already socialized.
func CalculateNetUserCostBasis(a *model.AMM) (fp.Int, error) {
	return fp.C(a.QuoteAssetAmount).Sub(a.CumulativeSocialLoss).Result()
}

// CalculateNetUserPnl marks the users' net position to oraclePrice.
func CalculateNetUserPnl(a *model.AMM, oraclePrice fp.Int) (fp.Int, error) {
	if !oraclePrice.IsPositive() {
		return fp.Zero, ErrInvalidOracle
	}
	costBasis, err := CalculateNetUserCostBasis(a)
	if err != nil {
		return fp.Zero, err
	}
	return fp.C(a.NetBaseAssetAmount).Mul(oraclePrice).
		DivN(fp.AMMReservePrecision * fp.PriceToQuoteRatio).
		Add(costBasis).Result()
}

// CalculateSettlementPrice returns the price at which the net position can
// be closed out without the users as a whole taking more than the pnl pool
// holds. Net longs never settle above target and net shorts never below
// it; the result is biased one unit in the AMM's favor.
func CalculateSettlementPrice(a *model.AMM, target, pnlPool fp.Int) (fp.Int, error) {
	if a.NetBaseAssetAmount.IsZero() {
		return target, nil
	}

	best, err := fp.C(a.QuoteAssetAmount).Sub(pnlPool).
		MulN(fp.AMMReservePrecision * fp.PriceToQuoteRatio).
		Div(a.NetBaseAssetAmount).Neg().Result()
	if err != nil {
		return fp.Zero, err
	}

	if a.NetBaseAssetAmount.IsPositive() {
		return fp.C(fp.Min(best, target)).SubN(1).Result()
	}
	return fp.C(fp.Max(best, target)).AddN(1).Result()
}
