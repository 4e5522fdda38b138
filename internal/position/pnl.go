package position

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/spot"
)

// BaseAssetValueAtPrice is the signed quote value of base at price.
func BaseAssetValueAtPrice(base, price fp.Int) (fp.Int, error) {
	return fp.W(base).Mul(price).DivN(fp.AMMReservePrecision).DivN(fp.PriceToQuoteRatio).Result()
}

// CalculateUnrealizedPnl values p at oraclePrice: its base marked to the
// oracle, plus its quote, plus any funding not yet settled into it.
func CalculateUnrealizedPnl(p *model.PerpPosition, m *model.PerpMarket, oraclePrice fp.Int) (fp.Int, error) {
	value, err := BaseAssetValueAtPrice(p.BaseAssetAmount, oraclePrice)
	if err != nil {
		return fp.Zero, err
	}
	unsettled := fp.Zero
	if !p.BaseAssetAmount.IsZero() {
		if unsettled, err = funding.CalculateFundingPayment(m.AMM.CumulativeFundingRate(p.Direction()), p); err != nil {
			return fp.Zero, err
		}
	}
	return fp.C(value).Add(p.QuoteAssetAmount).Add(unsettled).Result()
}

// SettlePnl realizes p's pnl in m into user's quote spot balance. Losses
// are paid into the market's pnl pool; gains are paid from it, capped at
// what the pool holds. The settled amount comes off the position's quote,
// so an open position keeps its exposure and resets its cost basis.
//
// Funding must be settled first. Interest on quote is expected to be
// current.
func SettlePnl(user *model.User, m *model.PerpMarket, quote *model.SpotMarket, oraclePrice fp.Int, now int64) (model.SettlePnlRecord, error) {
	p, err := user.PerpPosition(m.MarketIndex)
	if err != nil {
		return model.SettlePnlRecord{}, err
	}
	if !p.BaseAssetAmount.IsZero() && p.LastCumulativeFundingRate != m.AMM.CumulativeFundingRate(p.Direction()) {
		return model.SettlePnlRecord{}, fmt.Errorf("%w: settle pnl", ErrInvalidPositionLastFundingRate)
	}

	pnl, err := CalculateUnrealizedPnl(p, m, oraclePrice)
	if err != nil {
		return model.SettlePnlRecord{}, err
	}
	if pnl.IsPositive() {
		pnl = fp.Min(pnl, m.PnlPool.Balance())
	}
	if pnl.IsZero() {
		return model.SettlePnlRecord{TS: now, UserID: user.ID, MarketIndex: m.MarketIndex, Pnl: fp.Zero}, nil
	}

	sp, err := user.ForceSpotPosition(quote.MarketIndex)
	if err != nil {
		return model.SettlePnlRecord{}, err
	}
	dir := model.Deposit
	if pnl.IsNegative() {
		dir = model.Borrow
		if err := m.PnlPool.Receive(pnl.Abs()); err != nil {
			return model.SettlePnlRecord{}, err
		}
	} else if err := m.PnlPool.Send(pnl); err != nil {
		return model.SettlePnlRecord{}, err
	}
	if err := spot.UpdateSpotBalances(pnl.Abs(), dir, quote, &sp.SpotBalance, false); err != nil {
		return model.SettlePnlRecord{}, err
	}

	if err := m.UpdateQuoteAssetAmount(p, pnl.Neg()); err != nil {
		return model.SettlePnlRecord{}, err
	}
	if p.SettledPnl, err = fp.C(p.SettledPnl).Add(pnl).Result(); err != nil {
		return model.SettlePnlRecord{}, err
	}
	if user.SettledPerpPnl, err = fp.C(user.SettledPerpPnl).Add(pnl).Result(); err != nil {
		return model.SettlePnlRecord{}, err
	}
	return model.SettlePnlRecord{TS: now, UserID: user.ID, MarketIndex: m.MarketIndex, Pnl: pnl}, nil
}
