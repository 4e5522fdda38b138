package spot

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// SettleRevenueToInsuranceFund accrues m to now and takes the amount of
// its revenue pool that may move into the insurance fund vault. The
// amount never exceeds what the vault holds beyond the depositors' net
// claim; when the pool is larger than that surplus only half the surplus
// is taken. With outside stakers the amount is also capped at the
// per-period share of MAX_APR_PER_REVENUE_SETTLE_TO_IF_VAULT of the fund.
//
// The revenue pool is debited; moving the tokens between vaults is left
// to the caller.
func SettleRevenueToInsuranceFund(vaultAmount, ifVaultAmount fp.Int, m *model.SpotMarket, now int64) (fp.Int, error) {
	if _, err := UpdateSpotMarketCumulativeInterest(m, now); err != nil {
		return fp.Zero, err
	}

	period := m.InsuranceFund.RevenueSettlePeriod
	if period <= 0 {
		return fp.Zero, fmt.Errorf("%w: market %d has no revenue settle period", ErrRevenueSettle, m.MarketIndex)
	}

	claim, err := ValidateSpotMarketVaultAmount(m, vaultAmount)
	if err != nil {
		return fp.Zero, err
	}
	surplus, err := fp.C(vaultAmount).Sub(claim).Result()
	if err != nil {
		return fp.Zero, err
	}

	amount, err := GetTokenAmount(m.RevenuePool.ScaledBalance, m, model.Deposit)
	if err != nil {
		return fp.Zero, err
	}
	if surplus.Lt(amount) {
		if amount, err = fp.C(surplus).DivN(2).Result(); err != nil {
			return fp.Zero, err
		}
	}

	if m.InsuranceFund.UserShares.IsPositive() {
		capped, err := fp.C(ifVaultAmount).MulN(fp.MaxAPRPerRevenueSettleToIFVault).
			DivN(fp.PercentagePrecision).DivN(max(1, fp.OneYear/period)).Result()
		if err != nil {
			return fp.Zero, err
		}
		amount = fp.Min(amount, capped)
	}

	if err := UpdateRevenuePoolBalances(amount, model.Borrow, m); err != nil {
		return fp.Zero, err
	}
	m.InsuranceFund.LastRevenueSettleTS = now
	return amount, nil
}

// SettleRevenue settles m's revenue pool once its settle period has
// elapsed and moves the tokens from the market vault into the insurance
// fund vault.
func SettleRevenue(m *model.SpotMarket, now int64) (model.InsuranceFundRecord, error) {
	period := m.InsuranceFund.RevenueSettlePeriod
	if period > 0 && now-m.InsuranceFund.LastRevenueSettleTS < period {
		return model.InsuranceFundRecord{}, fmt.Errorf("%w: next settle at %d",
			ErrRevenueSettle, m.InsuranceFund.LastRevenueSettleTS+period)
	}

	before := m.InsuranceFund.Vault.Balance()
	amount, err := SettleRevenueToInsuranceFund(m.Vault.Balance(), before, m, now)
	if err != nil {
		return model.InsuranceFundRecord{}, err
	}
	if err := m.Vault.Send(amount); err != nil {
		return model.InsuranceFundRecord{}, err
	}
	if err := m.InsuranceFund.Vault.Receive(amount); err != nil {
		return model.InsuranceFundRecord{}, err
	}

	return model.InsuranceFundRecord{
		TS:                now,
		MarketIndex:       m.MarketIndex,
		Amount:            amount,
		VaultAmountBefore: before,
		TotalIFShares:     m.InsuranceFund.TotalShares,
		UserIFShares:      m.InsuranceFund.UserShares,
	}, nil
}
