// Package funding runs the periodic funding-rate update of perp markets
// and settles the resulting payments into positions.
//
// Rates are in FUNDING_RATE precision per funding period. A positive rate
// means longs pay shorts.
package funding

import (
	"errors"
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrFeePoolExhausted is returned when a funding payout would take the
	// fee pool below its protocol reserve.
	ErrFeePoolExhausted = errors.New("funding: fee pool below reserve")

	// ErrUnknownMarket is returned when a position references a market that
	// was not supplied.
	ErrUnknownMarket = errors.New("funding: unknown market")
)

// paymentForBase returns what a position of base receives when its side's
// accumulator moves by delta, in QUOTE precision. Longs pay when the
// accumulator rises; shorts are paid.
func paymentForBase(delta, base fp.Int) (fp.Int, error) {
	if delta.IsZero() || base.IsZero() {
		return fp.Zero, nil
	}
	magnitude, err := fp.W(delta.Abs()).Mul(base.Abs()).
		DivN(fp.PricePrecision).DivN(fp.AMMToQuoteRatio).DivN(fp.FundingRateBuffer).Result()
	if err != nil {
		return fp.Zero, err
	}
	if base.IsPositive() == delta.IsPositive() {
		return magnitude.Neg(), nil
	}
	return magnitude, nil
}

// CalculateFundingPayment returns what p receives (negative: pays) for the
// accumulator moving from p's snapshot to cumulativeRate.
func CalculateFundingPayment(cumulativeRate fp.Int, p *model.PerpPosition) (fp.Int, error) {
	delta, err := fp.C(cumulativeRate).Sub(p.LastCumulativeFundingRate).Result()
	if err != nil {
		return fp.Zero, err
	}
	return paymentForBase(delta, p.BaseAssetAmount)
}

// SettleFundingPayment books outstanding funding on every open position of
// user into its quote amount and snaps the position to its side's
// accumulator. Positions already in step are skipped.
func SettleFundingPayment(user *model.User, markets map[uint16]*model.PerpMarket, now int64) ([]model.FundingPaymentRecord, error) {
	var records []model.FundingPaymentRecord
	for i := range user.PerpPositions {
		p := &user.PerpPositions[i]
		if p.BaseAssetAmount.IsZero() {
			continue
		}
		m, ok := markets[p.MarketIndex]
		if !ok {
			return records, fmt.Errorf("%w: %d", ErrUnknownMarket, p.MarketIndex)
		}

		cumulative := m.AMM.CumulativeFundingRate(p.Direction())
		if cumulative == p.LastCumulativeFundingRate {
			continue
		}
		payment, err := CalculateFundingPayment(cumulative, p)
		if err != nil {
			return records, err
		}

		if err := m.UpdateQuoteAssetAmount(p, payment); err != nil {
			return records, err
		}
		records = append(records, model.FundingPaymentRecord{
			TS:                        now,
			UserID:                    user.ID,
			MarketIndex:               p.MarketIndex,
			FundingPayment:            payment,
			BaseAssetAmount:           p.BaseAssetAmount,
			UserLastCumulativeFunding: p.LastCumulativeFundingRate,
			AMMCumulativeFundingLong:  m.AMM.CumulativeFundingRateLong,
			AMMCumulativeFundingShort: m.AMM.CumulativeFundingRateShort,
		})
		p.LastCumulativeFundingRate = cumulative
	}
	return records, nil
}
