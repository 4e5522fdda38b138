package funding

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// OnTheHourUpdate returns the seconds until a market last updated at last
// may update again, 0 when it is due. Updates snap to multiples of period;
// an update that landed more than a third of a period late skips the next
// boundary.
func OnTheHourUpdate(now, last, period int64) int64 {
	since := now - last
	wait := period
	if period > 1 {
		delay := ((last % period) + period) % period
		if delay != 0 {
			twoPeriods := 2 * period
			if delay > period/3 {
				wait = twoPeriods - delay
			} else {
				wait = period - delay
			}
			if wait > twoPeriods {
				wait -= period
			}
		}
	}
	return max(0, wait-since)
}

// feePoolLowerBound is the part of the fee pool reserved for the protocol.
func feePoolLowerBound(a *model.AMM) (fp.Int, error) {
	return fp.C(a.TotalExchangeFee).DivN(2).Result()
}

// feePoolAvailable is what the pool may pay towards a funding imbalance:
// two thirds of its excess over the protocol reserve.
func feePoolAvailable(a *model.AMM) (fp.Int, error) {
	lower, err := feePoolLowerBound(a)
	if err != nil {
		return fp.Zero, err
	}
	excess := fp.SaturatingSub(a.TotalFeeMinusDistributions, lower)
	return fp.C(excess).MulN(2).DivN(3).Result()
}

// CalculateFundingRateLongShort splits rate between longs and shorts. The
// AMM takes the other side of the users' net position: when that earns it
// funding, the earnings go to the fee pool and both sides see rate. When
// it owes funding beyond what the fee pool can spare, the receiving side's
// rate is cut to what the payers and the pool can fund together.
//
// It debits or credits the fee pool and returns the long rate, the short
// rate and the imbalance cost (positive when the AMM owes).
func CalculateFundingRateLongShort(m *model.PerpMarket, rate fp.Int) (long, short, cost fp.Int, err error) {
	a := &m.AMM
	netPayment, err := paymentForBase(rate, a.NetBaseAssetAmount)
	if err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	ammPnl := netPayment.Neg()
	cost = netPayment

	if !ammPnl.IsNegative() {
		if err := creditFeePool(a, ammPnl); err != nil {
			return fp.Zero, fp.Zero, fp.Zero, err
		}
		return rate, rate, cost, nil
	}

	available, err := feePoolAvailable(a)
	if err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	cappedPnl := fp.Max(ammPnl, available.Neg())
	cappedRate := rate
	if ammPnl.Lt(available.Neg()) {
		payerBase, receiverBase := a.BaseAssetAmountLong, a.BaseAssetAmountShort
		if rate.IsNegative() {
			payerBase, receiverBase = a.BaseAssetAmountShort, a.BaseAssetAmountLong
		}
		fromPayers, err := paymentForBase(rate, payerBase)
		if err != nil {
			return fp.Zero, fp.Zero, fp.Zero, err
		}
		magnitude, err := fp.W(fromPayers.Abs()).Add(available).MulN(fp.QuoteToBaseAmtFundingPrecision).
			Div(fp.Max(fp.One, receiverBase.Abs())).Result()
		if err != nil {
			return fp.Zero, fp.Zero, fp.Zero, err
		}
		cappedRate = magnitude
		if rate.IsNegative() {
			cappedRate = magnitude.Neg()
		}
	}

	if !cappedPnl.IsZero() {
		lower, err := feePoolLowerBound(a)
		if err != nil {
			return fp.Zero, fp.Zero, fp.Zero, err
		}
		after, err := fp.C(a.TotalFeeMinusDistributions).Add(cappedPnl).Result()
		if err != nil {
			return fp.Zero, fp.Zero, fp.Zero, err
		}
		if after.Lt(lower) {
			return fp.Zero, fp.Zero, fp.Zero, fmt.Errorf("%w: %s after funding, reserve %s", ErrFeePoolExhausted, after, lower)
		}
	}
	if err := creditFeePool(a, cappedPnl); err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}

	long, short = rate, rate
	if rate.IsNegative() {
		long = cappedRate
	} else {
		short = cappedRate
	}
	return long, short, cost, nil
}

// creditFeePool adds pnl (negative for a payout) to the fee pool and to
// this period's revenue.
func creditFeePool(a *model.AMM, pnl fp.Int) error {
	total, err := fp.C(a.TotalFeeMinusDistributions).Add(pnl).Result()
	if err != nil {
		return err
	}
	revenue, err := fp.C(a.NetRevenueSinceLastFunding).Add(pnl).Result()
	if err != nil {
		return err
	}
	a.TotalFeeMinusDistributions, a.NetRevenueSinceLastFunding = total, revenue
	return nil
}

// executionPremium is the price, and the side, that the mark TWAP should
// lean towards this period: the quote of the wider side of the book.
func executionPremium(a *model.AMM) (fp.Int, *model.PositionDirection, error) {
	switch {
	case a.LongSpread > a.ShortSpread:
		price, err := amm.AskPrice(a)
		dir := model.Long
		return price, &dir, err
	case a.LongSpread < a.ShortSpread:
		price, err := amm.BidPrice(a)
		dir := model.Short
		return price, &dir, err
	default:
		price, err := amm.ReservePrice(a)
		return price, nil, err
	}
}

// UpdateFundingRate runs the funding update of m when it is due. It returns
// false, with m untouched, when funding is paused, the oracle blocks AMM
// operations or the next on-the-hour boundary has not arrived.
//
// The records returned are the FundingRateRecord and, when the curve was
// rebalanced, a CurveRecord before it.
func UpdateFundingRate(m *model.PerpMarket, data model.OraclePriceData, st *model.State, now int64) (bool, []model.Record, error) {
	a := &m.AMM
	if st.FundingPaused || m.Status == model.MarketFundingOff {
		return false, nil, nil
	}
	if OnTheHourUpdate(now, a.LastFundingRateTS, a.FundingPeriod) > 0 {
		return false, nil, nil
	}
	reservePrice, err := amm.ReservePrice(a)
	if err != nil {
		return false, nil, err
	}
	blocked, err := amm.BlockOperation(a, data, st.OracleGuardRails, reservePrice)
	if err != nil {
		return false, nil, err
	}
	if blocked {
		return false, nil, nil
	}

	oracleTWAP, err := amm.UpdateOraclePriceTWAP(a, now, data, reservePrice)
	if err != nil {
		return false, nil, err
	}
	premium, dir, err := executionPremium(a)
	if err != nil {
		return false, nil, err
	}
	markTWAP, err := amm.UpdateMarkTWAP(a, now, premium, dir)
	if err != nil {
		return false, nil, err
	}

	rate, err := periodRate(markTWAP, oracleTWAP, a.FundingPeriod)
	if err != nil {
		return false, nil, err
	}
	long, short, cost, err := CalculateFundingRateLongShort(m, rate)
	if err != nil {
		return false, nil, err
	}

	var records []model.Record
	if a.CurveUpdateIntensity > 0 {
		curve, err := FormulaicUpdateK(m, cost, now)
		switch {
		case errors.Is(err, amm.ErrInvalidUpdateK):
			slog.Warn("curve update skipped", "market", m.MarketIndex, "cost", cost, "error", err)
		case err != nil:
			return false, nil, err
		case curve != nil:
			records = append(records, *curve)
		}
	}

	if a.CumulativeFundingRateLong, err = fp.C(a.CumulativeFundingRateLong).Add(long).Result(); err != nil {
		return false, nil, err
	}
	if a.CumulativeFundingRateShort, err = fp.C(a.CumulativeFundingRateShort).Add(short).Result(); err != nil {
		return false, nil, err
	}
	avg, err := fp.NewTWAP(rate, now, a.Last24hAvgFundingRate, a.LastFundingRateTS, fp.OneDay)
	if err != nil {
		return false, nil, err
	}
	a.LastFundingRate = rate
	a.LastFundingRateLong = long
	a.LastFundingRateShort = short
	a.Last24hAvgFundingRate = avg
	a.LastFundingRateTS = now

	rec := model.FundingRateRecord{
		TS:                         now,
		MarketIndex:                m.MarketIndex,
		FundingRate:                rate,
		FundingRateLong:            long,
		FundingRateShort:           short,
		CumulativeFundingRateLong:  a.CumulativeFundingRateLong,
		CumulativeFundingRateShort: a.CumulativeFundingRateShort,
		MarkPriceTWAP:              markTWAP,
		OraclePriceTWAP:            oracleTWAP,
		PeriodRevenue:              a.NetRevenueSinceLastFunding,
		NetBaseAssetAmount:         a.NetBaseAssetAmount,
		FundingImbalanceCost:       cost,
	}
	a.NetRevenueSinceLastFunding = fp.Zero
	return true, append(records, rec), nil
}

// periodRate converts the mark/oracle TWAP gap into a rate for one funding
// period. The gap is clamped to 1/33 of the oracle TWAP.
func periodRate(markTWAP, oracleTWAP fp.Int, period int64) (fp.Int, error) {
	band, err := fp.C(oracleTWAP).DivN(33).Result()
	if err != nil {
		return fp.Zero, err
	}
	spread, err := fp.C(markTWAP).Sub(oracleTWAP).Result()
	if err != nil {
		return fp.Zero, err
	}
	spread = fp.Clamp(spread, band.Abs().Neg(), band.Abs())
	periodAdjustment := fp.OneDay / max(fp.OneHour, period)
	return fp.C(spread).MulN(fp.FundingRateBuffer).DivN(periodAdjustment).Result()
}
