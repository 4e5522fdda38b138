package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var reservePrecision = fp.New(fp.AMMReservePrecision)

// UpdateLPMarketPosition books the LP share of a taker delta and fee on m.
// LPs take the opposite side of the taker in proportion to
// user_lp_shares/sqrt_k. It returns the taker base absorbed by LPs and the
// fee credited to them.
func UpdateLPMarketPosition(m *model.PerpMarket, delta model.PositionDelta, fee fp.Int) (lpBase, lpFee fp.Int, err error) {
	a := &m.AMM
	if a.UserLPShares.IsZero() {
		return fp.Zero, fp.Zero, nil
	}

	perLPBase, err := fp.Proportion(delta.BaseAssetAmount, reservePrecision, a.SqrtK)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	perLPQuote, err := fp.Proportion(delta.QuoteAssetAmount, reservePrecision, a.SqrtK)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if lpBase, err = fp.Proportion(perLPBase, a.UserLPShares, reservePrecision); err != nil {
		return fp.Zero, fp.Zero, err
	}

	// The market keeps a fifth of the fee; LPs share the rest pro rata to
	// their part of sqrt_k.
	marketSlice, err := fp.C(fee).DivN(fp.LiquidityProviderFeeShareDivisor).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if lpFee, err = fp.W(fee).Sub(marketSlice).Mul(a.UserLPShares).Div(a.SqrtK).Result(); err != nil {
		return fp.Zero, fp.Zero, err
	}
	perLPFee, err := fp.W(lpFee).MulN(fp.AMMReservePrecision).Div(a.UserLPShares).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}

	baseAcc, err := fp.C(a.BaseAssetAmountPerLP).Sub(perLPBase).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	quoteAcc, err := fp.C(a.QuoteAssetAmountPerLP).Sub(perLPQuote).Add(perLPFee).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	unsettled, err := fp.C(a.NetUnsettledLPBaseAssetAmount).Add(lpBase).Result()
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	a.BaseAssetAmountPerLP, a.QuoteAssetAmountPerLP = baseAcc, quoteAcc
	a.NetUnsettledLPBaseAssetAmount = unsettled
	return lpBase, lpFee, nil
}

// standardize splits amount into whole steps and a remainder. Markets
// without a step size have no remainder.
func standardize(amount, step fp.Int) (fp.Int, fp.Int, error) {
	if !step.IsPositive() {
		return amount, fp.Zero, nil
	}
	return fp.StandardizeBaseAssetAmountWithRemainder(amount, step)
}

// SettleLPPosition moves what p's LP shares accrued since its last
// snapshot into the position. Base below one step is carried in the
// position's remainder until enough accumulates.
func SettleLPPosition(p *model.PerpPosition, m *model.PerpMarket) (model.PositionDelta, fp.Int, error) {
	a := &m.AMM
	if p.LPShares.IsZero() {
		return model.PositionDelta{}, fp.Zero, nil
	}

	basePerLP, err := fp.C(a.BaseAssetAmountPerLP).Sub(p.LastBaseAssetAmountPerLP).Result()
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	quotePerLP, err := fp.C(a.QuoteAssetAmountPerLP).Sub(p.LastQuoteAssetAmountPerLP).Result()
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	base, err := fp.Proportion(basePerLP, p.LPShares, reservePrecision)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	quote, err := fp.Proportion(quotePerLP, p.LPShares, reservePrecision)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}

	settled, remainder, err := standardize(base, a.BaseAssetAmountStepSize)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if remainder, err = fp.C(p.RemainderBaseAssetAmount).Add(remainder).Result(); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if a.BaseAssetAmountStepSize.IsPositive() && remainder.Abs().Gte(a.BaseAssetAmountStepSize) {
		steps, rest, err := standardize(remainder, a.BaseAssetAmountStepSize)
		if err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		if settled, err = fp.C(settled).Add(steps).Result(); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		remainder = rest
	}

	delta := model.PositionDelta{BaseAssetAmount: settled, QuoteAssetAmount: quote}
	pnl, err := UpdatePositionAndMarket(p, m, delta)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	// LP base is opposite to the taker base it absorbed, so settling it
	// nets the unsettled total back towards zero.
	unsettled, err := fp.C(a.NetUnsettledLPBaseAssetAmount).Add(settled).Result()
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	a.NetUnsettledLPBaseAssetAmount = unsettled
	p.RemainderBaseAssetAmount = remainder
	p.LastBaseAssetAmountPerLP = a.BaseAssetAmountPerLP
	p.LastQuoteAssetAmountPerLP = a.QuoteAssetAmountPerLP
	return delta, pnl, nil
}

func validateShares(n, step fp.Int) error {
	if !n.IsPositive() {
		return fmt.Errorf("%w: %s lp shares", ErrInvalidAmount, n)
	}
	if step.IsPositive() {
		ok, err := fp.IsMultipleOfStepSize(n, step)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s lp shares with step %s", ErrStepSize, n, step)
		}
	}
	return nil
}

// MintLPShares adds n shares of liquidity for p, deepening the curve by n
// at the current price. Existing shares settle first.
func MintLPShares(p *model.PerpPosition, m *model.PerpMarket, n fp.Int) (model.PositionDelta, fp.Int, error) {
	a := &m.AMM
	if err := validateShares(n, a.BaseAssetAmountStepSize); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}

	var delta model.PositionDelta
	pnl := fp.Zero
	if p.LPShares.IsPositive() {
		var err error
		if delta, pnl, err = SettleLPPosition(p, m); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
	} else {
		p.LastBaseAssetAmountPerLP = a.BaseAssetAmountPerLP
		p.LastQuoteAssetAmountPerLP = a.QuoteAssetAmountPerLP
	}

	newSqrtK, err := fp.C(a.SqrtK).Add(n).Result()
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	result, err := amm.GetUpdateKResult(m, newSqrtK, true)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if err := amm.UpdateK(m, result); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if p.LPShares, err = fp.C(p.LPShares).Add(n).Result(); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if a.UserLPShares, err = fp.C(a.UserLPShares).Add(n).Result(); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	return delta, pnl, nil
}

// BurnLPShares settles p and removes n of its shares, making the curve
// shallower by n. Leftover remainder base is closed at oraclePrice (plus
// one unit of quote) and handed to the AMM. When the last user shares go,
// unsettled LP rounding dust passes to the AMM as well.
func BurnLPShares(p *model.PerpPosition, m *model.PerpMarket, n, oraclePrice fp.Int) (model.PositionDelta, fp.Int, error) {
	a := &m.AMM
	if err := validateShares(n, a.BaseAssetAmountStepSize); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if n.Gt(p.LPShares) {
		return model.PositionDelta{}, fp.Zero, fmt.Errorf("%w: burn %s of %s", ErrInsufficientLPShares, n, p.LPShares)
	}

	delta, pnl, err := SettleLPPosition(p, m)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}

	if dust := p.RemainderBaseAssetAmount; !dust.IsZero() {
		if a.NetBaseAssetAmount, err = fp.C(a.NetBaseAssetAmount).Sub(dust).Result(); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		if a.NetUnsettledLPBaseAssetAmount, err = fp.C(a.NetUnsettledLPBaseAssetAmount).Add(dust).Result(); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		value, err := fp.W(dust.Abs()).Mul(oraclePrice).DivN(fp.AMMReservePrecision).DivN(fp.PriceToQuoteRatio).AddN(1).Result()
		if err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		if err := m.UpdateQuoteAssetAmount(p, value.Neg()); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		if pnl, err = fp.C(pnl).Sub(value).Result(); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		p.RemainderBaseAssetAmount = fp.Zero
	}

	if p.LPShares, err = fp.C(p.LPShares).Sub(n).Result(); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if a.UserLPShares, err = fp.C(a.UserLPShares).Sub(n).Result(); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if a.UserLPShares.IsZero() && !a.NetUnsettledLPBaseAssetAmount.IsZero() {
		if a.NetBaseAssetAmount, err = fp.C(a.NetBaseAssetAmount).Add(a.NetUnsettledLPBaseAssetAmount).Result(); err != nil {
			return model.PositionDelta{}, fp.Zero, err
		}
		a.NetUnsettledLPBaseAssetAmount = fp.Zero
	}

	newSqrtK, err := fp.C(a.SqrtK).Sub(n).Result()
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	result, err := amm.GetUpdateKResult(m, newSqrtK, false)
	if err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	if err := amm.UpdateK(m, result); err != nil {
		return model.PositionDelta{}, fp.Zero, err
	}
	return delta, pnl, nil
}
