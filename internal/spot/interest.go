package spot

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateUtilization is borrows/deposits in SPOT_UTILIZATION precision;
// borrows with no deposits count as fully utilized.
func CalculateUtilization(depositTokens, borrowTokens fp.Int) (fp.Int, error) {
	if depositTokens.IsZero() {
		if borrowTokens.IsZero() {
			return fp.Zero, nil
		}
		return fp.New(fp.SpotUtilizationPrecision), nil
	}
	return fp.W(borrowTokens).MulN(fp.SpotUtilizationPrecision).Div(depositTokens).Result()
}

// marketTokens returns m's deposit and borrow token totals and utilization.
func marketTokens(m *model.SpotMarket) (deposits, borrows, utilization fp.Int, err error) {
	if deposits, err = GetTokenAmount(m.DepositBalance, m, model.Deposit); err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	if borrows, err = GetTokenAmount(m.BorrowBalance, m, model.Borrow); err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	if utilization, err = CalculateUtilization(deposits, borrows); err != nil {
		return fp.Zero, fp.Zero, fp.Zero, err
	}
	return deposits, borrows, utilization, nil
}

// CalculateBorrowRate evaluates m's two-segment rate curve at utilization,
// in SPOT_RATE precision per year.
func CalculateBorrowRate(m *model.SpotMarket, utilization fp.Int) (fp.Int, error) {
	ou, obr, mbr := m.OptimalUtilization, m.OptimalBorrowRate, m.MaxBorrowRate
	if utilization.Gt(ou) {
		headroom, err := fp.CN(fp.SpotUtilizationPrecision).Sub(ou).Result()
		if err != nil {
			return fp.Zero, err
		}
		if !headroom.IsPositive() {
			return fp.Zero, fmt.Errorf("%w: optimal utilization %s", ErrInvalidMarket, ou)
		}
		slope, err := fp.C(mbr).Sub(obr).MulN(fp.SpotUtilizationPrecision).Div(headroom).Result()
		if err != nil {
			return fp.Zero, err
		}
		return fp.C(utilization).Sub(ou).Mul(slope).DivN(fp.SpotUtilizationPrecision).Add(obr).Result()
	}
	if !ou.IsPositive() {
		return fp.Zero, nil
	}
	slope, err := fp.C(obr).MulN(fp.SpotUtilizationPrecision).Div(ou).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.C(utilization).Mul(slope).DivN(fp.SpotUtilizationPrecision).Result()
}

// InterestAccumulated is the growth of the two cumulative interest
// multipliers over one accrual window.
type InterestAccumulated struct {
	Deposit fp.Int
	Borrow  fp.Int
}

// CalculateAccumulatedInterest returns the multiplier growth from
// m.LastInterestTS to now at the current utilization. Borrowers accrue one
// extra unit so rounding never favors them.
func CalculateAccumulatedInterest(m *model.SpotMarket, now int64) (InterestAccumulated, error) {
	_, _, utilization, err := marketTokens(m)
	if err != nil {
		return InterestAccumulated{}, err
	}
	if utilization.IsZero() {
		return InterestAccumulated{Deposit: fp.Zero, Borrow: fp.Zero}, nil
	}

	rate, err := CalculateBorrowRate(m, utilization)
	if err != nil {
		return InterestAccumulated{}, err
	}
	elapsed := max(0, now-m.LastInterestTS)
	borrowRate, err := fp.C(rate).MulN(elapsed).Result()
	if err != nil {
		return InterestAccumulated{}, err
	}
	depositRate, err := fp.C(borrowRate).Mul(utilization).DivN(fp.SpotUtilizationPrecision).Result()
	if err != nil {
		return InterestAccumulated{}, err
	}

	borrowInterest, err := fp.W(m.CumulativeBorrowInterest).Mul(borrowRate).
		DivN(fp.OneYear).DivN(fp.SpotRatePrecision).AddN(1).Result()
	if err != nil {
		return InterestAccumulated{}, err
	}
	depositInterest, err := fp.W(m.CumulativeDepositInterest).Mul(depositRate).
		DivN(fp.OneYear).DivN(fp.SpotRatePrecision).Result()
	if err != nil {
		return InterestAccumulated{}, err
	}
	return InterestAccumulated{Deposit: depositInterest, Borrow: borrowInterest}, nil
}

// UpdateSpotMarketCumulativeInterest accrues interest on m up to now and
// refreshes its daily TWAPs. The stakers' share of depositor interest
// (insurance_fund.total_factor of IF_FACTOR precision) is credited to the
// revenue pool as a deposit. It returns a record when interest accrued;
// a call at the last accrual time is a no-op.
func UpdateSpotMarketCumulativeInterest(m *model.SpotMarket, now int64) (*model.SpotInterestRecord, error) {
	if now == m.LastInterestTS {
		return nil, nil
	}

	interest, err := CalculateAccumulatedInterest(m, now)
	if err != nil {
		return nil, err
	}

	var rec *model.SpotInterestRecord
	if interest.Deposit.IsPositive() && interest.Borrow.Gt(fp.One) {
		stakers, err := fp.C(interest.Deposit).Mul(m.InsuranceFund.TotalFactor).DivN(fp.IFFactorPrecision).Result()
		if err != nil {
			return nil, err
		}
		lenders, err := fp.C(interest.Deposit).Sub(stakers).Result()
		if err != nil {
			return nil, err
		}
		if lenders.IsPositive() {
			cd, err := fp.C(m.CumulativeDepositInterest).Add(lenders).Result()
			if err != nil {
				return nil, err
			}
			cb, err := fp.C(m.CumulativeBorrowInterest).Add(interest.Borrow).Result()
			if err != nil {
				return nil, err
			}
			precInc, err := m.PrecisionIncrease()
			if err != nil {
				return nil, err
			}
			revenueTokens, err := fp.W(m.DepositBalance).Mul(stakers).Div(precInc).Result()
			if err != nil {
				return nil, err
			}

			m.CumulativeDepositInterest = cd
			m.CumulativeBorrowInterest = cb
			m.LastInterestTS = now
			if err := UpdateRevenuePoolBalances(revenueTokens, model.Deposit, m); err != nil {
				return nil, err
			}

			_, _, utilization, err := marketTokens(m)
			if err != nil {
				return nil, err
			}
			rec = &model.SpotInterestRecord{
				TS:                        now,
				MarketIndex:               m.MarketIndex,
				DepositBalance:            m.DepositBalance,
				CumulativeDepositInterest: m.CumulativeDepositInterest,
				BorrowBalance:             m.BorrowBalance,
				CumulativeBorrowInterest:  m.CumulativeBorrowInterest,
				Utilization:               utilization,
			}
		}
	}

	if err := updateTWAPStats(m, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// updateTWAPStats folds current deposits, borrows and utilization into
// their one-day TWAPs.
func updateTWAPStats(m *model.SpotMarket, now int64) error {
	since := max(0, now-m.LastTWAPTS)
	if since == 0 {
		return nil
	}
	fromStart := max(1, fp.OneDay-since)
	w1, w2 := fp.New(since), fp.New(fromStart)

	deposits, borrows, utilization, err := marketTokens(m)
	if err != nil {
		return err
	}

	depositTWAP, err := fp.WeightedAverage(deposits, m.DepositTokenTWAP, w1, w2)
	if err != nil {
		return err
	}
	borrowTWAP, err := fp.WeightedAverage(borrows, m.BorrowTokenTWAP, w1, w2)
	if err != nil {
		return err
	}
	utilizationTWAP, err := fp.WeightedAverage(utilization, m.UtilizationTWAP, w1, w2)
	if err != nil {
		return err
	}

	m.DepositTokenTWAP = depositTWAP
	m.BorrowTokenTWAP = borrowTWAP
	m.UtilizationTWAP = utilizationTWAP
	m.LastTWAPTS = now
	return nil
}

// UpdateRevenuePoolBalances moves tokens into (Deposit) or out of (Borrow)
// the market's revenue pool.
func UpdateRevenuePoolBalances(tokens fp.Int, dir model.SpotBalanceType, m *model.SpotMarket) error {
	return UpdateSpotBalances(tokens, dir, m, &m.RevenuePool, false)
}
