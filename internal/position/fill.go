package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateTakerFee returns the tier's fee on quote, rounded up.
func CalculateTakerFee(quote fp.Int, tier model.FeeTier) (fp.Int, error) {
	if tier.FeeDenominator <= 0 {
		return fp.Zero, fmt.Errorf("%w: fee denominator %d", fp.ErrArithmetic, tier.FeeDenominator)
	}
	return fp.W(quote.Abs()).MulN(tier.FeeNumerator).AddN(tier.FeeDenominator - 1).DivN(tier.FeeDenominator).Result()
}

func checkMarketAccepts(m *model.PerpMarket, p *model.PerpPosition, delta model.PositionDelta) error {
	switch m.Status {
	case model.MarketActive, model.MarketFundingOff:
		return nil
	case model.MarketReduceOnly:
		switch GetPositionUpdateType(p, delta) {
		case Reduce, Close:
			return nil
		}
		return fmt.Errorf("%w: %s", ErrReduceOnly, m.Symbol)
	default:
		return fmt.Errorf("%w: %s is %s", ErrMarketNotActive, m.Symbol, m.Status)
	}
}

// FillWithAMM fills a market order of baseAmount for user against m's AMM.
//
// The taker pays the spread-adjusted quote plus the tier's fee. LPs absorb
// their share of the fill; the rest moves net_base_asset_amount. The fee,
// less the LP share, and the spread surplus go to the fee pool. Intensity,
// the mark TWAP and the spreads are then refreshed.
//
// The user's funding must be settled for the market beforehand. On error
// user and m may be partly updated; callers apply fills to copies.
func FillWithAMM(user *model.User, m *model.PerpMarket, baseAmount fp.Int, dir model.PositionDirection, tier model.FeeTier, now int64) (model.TradeRecord, error) {
	a := &m.AMM
	if !baseAmount.IsPositive() {
		return model.TradeRecord{}, fmt.Errorf("%w: base %s", ErrInvalidAmount, baseAmount)
	}
	if step := a.BaseAssetAmountStepSize; step.IsPositive() {
		ok, err := fp.IsMultipleOfStepSize(baseAmount, step)
		if err != nil {
			return model.TradeRecord{}, err
		}
		if !ok {
			return model.TradeRecord{}, fmt.Errorf("%w: %s with step %s", ErrStepSize, baseAmount, step)
		}
	}
	p, err := user.ForcePerpPosition(m.MarketIndex)
	if err != nil {
		return model.TradeRecord{}, err
	}

	signedBase := baseAmount
	swapDir := model.Remove
	if dir == model.Short {
		signedBase = baseAmount.Neg()
		swapDir = model.Add
	}
	// The classification only needs the base side of the delta.
	if err := checkMarketAccepts(m, p, model.PositionDelta{BaseAssetAmount: signedBase}); err != nil {
		return model.TradeRecord{}, err
	}

	reserveBefore, err := amm.ReservePrice(a)
	if err != nil {
		return model.TradeRecord{}, err
	}
	quote, surplus, err := amm.SwapBaseAsset(a, baseAmount, swapDir)
	if err != nil {
		return model.TradeRecord{}, err
	}
	delta := model.PositionDelta{BaseAssetAmount: signedBase, QuoteAssetAmount: quote}
	if dir == model.Long {
		delta.QuoteAssetAmount = quote.Neg()
	}

	fee, err := CalculateTakerFee(quote, tier)
	if err != nil {
		return model.TradeRecord{}, err
	}
	lpBase, lpFee, err := UpdateLPMarketPosition(m, delta, fee)
	if err != nil {
		return model.TradeRecord{}, err
	}
	pnl, err := UpdatePositionAndMarket(p, m, delta)
	if err != nil {
		return model.TradeRecord{}, err
	}
	if a.NetBaseAssetAmount, err = fp.C(a.NetBaseAssetAmount).Add(signedBase).Sub(lpBase).Result(); err != nil {
		return model.TradeRecord{}, err
	}

	if err := m.UpdateQuoteAssetAndBreakEvenAmount(p, fee.Neg()); err != nil {
		return model.TradeRecord{}, err
	}
	if err := creditFill(a, fee, lpFee, surplus); err != nil {
		return model.TradeRecord{}, err
	}
	if user.TotalFeePaid, err = fp.C(user.TotalFeePaid).Add(fee).Result(); err != nil {
		return model.TradeRecord{}, err
	}
	if pnl, err = fp.C(pnl).Sub(fee).Result(); err != nil {
		return model.TradeRecord{}, err
	}

	if err := amm.UpdateLongShortIntensity(a, now, quote, dir); err != nil {
		return model.TradeRecord{}, err
	}
	tradePrice, err := fp.W(quote).MulN(fp.AMMReservePrecision).MulN(fp.PriceToQuoteRatio).Div(baseAmount).Result()
	if err != nil {
		return model.TradeRecord{}, err
	}
	if _, err := amm.UpdateMarkTWAP(a, now, tradePrice, &dir); err != nil {
		return model.TradeRecord{}, err
	}
	reserveAfter, err := amm.ReservePrice(a)
	if err != nil {
		return model.TradeRecord{}, err
	}
	if _, _, err := amm.UpdateSpreads(a, reserveAfter); err != nil {
		return model.TradeRecord{}, err
	}

	return model.TradeRecord{
		TS:                      now,
		UserID:                  user.ID,
		MarketIndex:             m.MarketIndex,
		Direction:               dir,
		BaseAssetAmount:         baseAmount,
		QuoteAssetAmount:        quote,
		QuoteAssetAmountSurplus: surplus,
		Fee:                     fee,
		Pnl:                     pnl,
		LPBaseAssetAmount:       lpBase,
		ReservePriceBefore:      reserveBefore,
		ReservePriceAfter:       reserveAfter,
		OraclePrice:             a.HistoricalOracleData.LastOraclePrice,
	}, nil
}

// creditFill books a fill's fee and spread surplus on the fee pool.
func creditFill(a *model.AMM, fee, lpFee, surplus fp.Int) error {
	toMarket, err := fp.C(fee).Sub(lpFee).Add(surplus).Result()
	if err != nil {
		return err
	}
	totalFee, err := fp.C(a.TotalFee).Add(fee).Add(surplus).Result()
	if err != nil {
		return err
	}
	exchangeFee, err := fp.C(a.TotalExchangeFee).Add(fee).Result()
	if err != nil {
		return err
	}
	mmFee, err := fp.C(a.TotalMMFee).Add(surplus).Result()
	if err != nil {
		return err
	}
	pool, err := fp.C(a.TotalFeeMinusDistributions).Add(toMarket).Result()
	if err != nil {
		return err
	}
	revenue, err := fp.C(a.NetRevenueSinceLastFunding).Add(toMarket).Result()
	if err != nil {
		return err
	}
	a.TotalFee, a.TotalExchangeFee, a.TotalMMFee = totalFee, exchangeFee, mmFee
	a.TotalFeeMinusDistributions, a.NetRevenueSinceLastFunding = pool, revenue
	return nil
}
