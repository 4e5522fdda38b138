package funding

import (
	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// kBudget is what the curve may spend (positive) or must recover
// (negative) this period. Half of a funding surplus deepens the curve;
// when funding cost more than the period earned, half the shortfall is
// taken back by making it shallower.
func kBudget(a *model.AMM, cost fp.Int) (fp.Int, error) {
	switch {
	case cost.IsNegative():
		half, err := fp.C(cost).DivN(2).Result()
		if err != nil {
			return fp.Zero, err
		}
		return half.Abs(), nil
	case a.NetRevenueSinceLastFunding.Lt(cost):
		return fp.C(fp.Max(fp.Zero, a.NetRevenueSinceLastFunding)).Sub(cost).DivN(2).Result()
	default:
		return fp.Zero, nil
	}
}

// applyCostToMarket charges cost (negative for revenue) to the fee pool.
// An expense that would take the pool below its protocol reserve is not
// applied and false is returned.
func applyCostToMarket(a *model.AMM, cost fp.Int) (bool, error) {
	if cost.IsPositive() {
		lower, err := feePoolLowerBound(a)
		if err != nil {
			return false, err
		}
		after, err := fp.C(a.TotalFeeMinusDistributions).Sub(cost).Result()
		if err != nil {
			return false, err
		}
		if after.Lt(lower) {
			return false, nil
		}
	}
	return true, creditFeePool(a, cost.Neg())
}

// FormulaicUpdateK resizes the curve by the budget derived from this
// period's funding imbalance cost. The new depth never drops below the
// LPs' shares. It returns nil when nothing changed, and an
// amm.ErrInvalidUpdateK error when the new depth is out of bounds.
func FormulaicUpdateK(m *model.PerpMarket, fundingImbalanceCost fp.Int, now int64) (*model.CurveRecord, error) {
	a := &m.AMM
	intensity := a.CurveUpdateIntensity
	if intensity <= 0 || intensity > 100 {
		return nil, nil
	}
	budget, err := kBudget(a, fundingImbalanceCost)
	if err != nil {
		return nil, err
	}
	if budget.IsZero() {
		return nil, nil
	}

	increaseMax := fp.KBpsUpdateScale + fp.KBpsIncreaseMax*intensity/100
	num, den, err := amm.CalculateBudgetedKScale(m, budget, increaseMax)
	if err != nil {
		return nil, err
	}
	scaled, err := fp.W(a.SqrtK).Mul(num).Div(den).Result()
	if err != nil {
		return nil, err
	}
	floor, err := fp.C(a.UserLPShares).AddN(1).Result()
	if err != nil {
		return nil, err
	}
	newSqrtK := fp.Max(scaled, floor)

	result, err := amm.GetUpdateKResult(m, newSqrtK, true)
	if err != nil {
		return nil, err
	}
	cost, err := amm.AdjustKCost(m, result)
	if err != nil {
		return nil, err
	}
	applied, err := applyCostToMarket(a, cost)
	if err != nil || !applied {
		return nil, err
	}

	before := a.SqrtK
	if err := amm.UpdateK(m, result); err != nil {
		return nil, err
	}
	return &model.CurveRecord{
		TS:                 now,
		MarketIndex:        m.MarketIndex,
		SqrtKBefore:        before,
		SqrtKAfter:         a.SqrtK,
		BaseReserveAfter:   a.BaseAssetReserve,
		QuoteReserveAfter:  a.QuoteAssetReserve,
		NetBaseAssetAmount: a.NetBaseAssetAmount,
		AdjustmentCost:     cost,
	}, nil
}
