package insurance

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// Stake actions recorded on InsuranceFundStakeRecord.
const (
	ActionStake          = "stake"
	ActionUnstakeRequest = "unstake_request"
	ActionUnstakeCancel  = "unstake_cancel_request"
	ActionUnstake        = "unstake"
)

// rebase brings both the fund and the stake to the current shares base.
func rebase(vaultBalance fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket) error {
	if err := ApplyRebaseToInsuranceFund(vaultBalance, m); err != nil {
		return err
	}
	return ApplyRebaseToInsuranceFundStake(stake, m)
}

func record(action string, now int64, amount, vaultBefore, sharesBefore fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket) model.InsuranceFundStakeRecord {
	return model.InsuranceFundStakeRecord{
		TS:                 now,
		UserID:             stake.UserID,
		MarketIndex:        m.MarketIndex,
		Action:             action,
		Amount:             amount,
		VaultAmountBefore:  vaultBefore,
		IFSharesBefore:     sharesBefore,
		IFSharesAfter:      stake.IFShares,
		TotalIFSharesAfter: m.InsuranceFund.TotalShares,
	}
}

func resetRequest(stake *model.InsuranceFundStake, now int64) {
	stake.LastWithdrawRequestShares = fp.Zero
	stake.LastWithdrawRequestValue = fp.Zero
	stake.LastWithdrawRequestTS = now
}

func addShares(stake *model.InsuranceFundStake, f *model.InsuranceFund, n fp.Int) error {
	shares, err := fp.C(stake.IFShares).Add(n).Result()
	if err != nil {
		return err
	}
	total, err := fp.C(f.TotalShares).Add(n).Result()
	if err != nil {
		return err
	}
	user, err := fp.C(f.UserShares).Add(n).Result()
	if err != nil {
		return err
	}
	stake.IFShares, f.TotalShares, f.UserShares = shares, total, user
	return nil
}

func removeShares(stake *model.InsuranceFundStake, f *model.InsuranceFund, n fp.Int) error {
	if stake.IFShares.Lt(n) || f.UserShares.Lt(n) || f.TotalShares.Lt(n) {
		return fmt.Errorf("%w: removing %s from stake of %s", ErrInsufficientShares, n, stake.IFShares)
	}
	return addShares(stake, f, n.Neg())
}

// AddStake mints shares for amount tokens entering a vault that holds
// vaultBalance before the deposit. The caller moves the tokens.
func AddStake(amount, vaultBalance fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket, now int64) (model.InsuranceFundStakeRecord, error) {
	if !amount.IsPositive() {
		return model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: stake of %s", ErrInvalidAmount, amount)
	}
	if stake.HasPendingRequest() {
		return model.InsuranceFundStakeRecord{}, ErrRequestInProgress
	}
	if vaultBalance.IsZero() && !m.InsuranceFund.TotalShares.IsZero() {
		return model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: empty vault with %s shares outstanding",
			ErrInvariant, m.InsuranceFund.TotalShares)
	}
	if err := rebase(vaultBalance, stake, m); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}

	before := stake.IFShares
	n, err := VaultAmountToIFShares(amount, m.InsuranceFund.TotalShares, vaultBalance)
	if err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	if !n.IsPositive() {
		return model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: %s tokens mints no shares", ErrInvalidAmount, amount)
	}
	if err := addShares(stake, &m.InsuranceFund, n); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	if stake.CostBasis, err = fp.C(stake.CostBasis).Add(amount).Result(); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	stake.LastValidTS = now
	return record(ActionStake, now, amount, vaultBalance, before, stake, m), nil
}

// RequestRemove starts the unstaking clock for the shares worth amount
// tokens. The value owed is fixed now; it never exceeds what leaves the
// vault with a positive balance.
func RequestRemove(amount, vaultBalance fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket, now int64) (model.InsuranceFundStakeRecord, error) {
	if stake.HasPendingRequest() {
		return model.InsuranceFundStakeRecord{}, ErrRequestInProgress
	}
	if err := rebase(vaultBalance, stake, m); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	shares, err := CheckedIFShares(stake, m)
	if err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}

	n, err := VaultAmountToIFShares(amount, m.InsuranceFund.TotalShares, vaultBalance)
	if err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	if !n.IsPositive() {
		return model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: %s tokens is no shares", ErrInvalidAmount, amount)
	}
	if n.Gt(shares) {
		return model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: requested %s of %s", ErrInsufficientShares, n, shares)
	}

	value, err := IFSharesToVaultAmount(n, m.InsuranceFund.TotalShares, vaultBalance)
	if err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	stake.LastWithdrawRequestShares = n
	stake.LastWithdrawRequestValue = fp.Min(value, fp.SaturatingSub(vaultBalance, fp.One))
	stake.LastWithdrawRequestTS = now
	return record(ActionUnstakeRequest, now, stake.LastWithdrawRequestValue, vaultBalance, shares, stake, m), nil
}

// CancelRequestRemove drops a pending request. Shares that gained value
// while the request was pending are forfeited down to the requested value.
func CancelRequestRemove(vaultBalance fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket, now int64) (model.InsuranceFundStakeRecord, error) {
	if !stake.HasPendingRequest() {
		return model.InsuranceFundStakeRecord{}, ErrNoRequest
	}
	if err := rebase(vaultBalance, stake, m); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}

	before := stake.IFShares
	lost, err := CalculateIFSharesLost(stake, m, vaultBalance)
	if err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	if err := removeShares(stake, &m.InsuranceFund, lost); err != nil {
		return model.InsuranceFundStakeRecord{}, err
	}
	resetRequest(stake, now)
	return record(ActionUnstakeCancel, now, fp.Zero, vaultBalance, before, stake, m), nil
}

// RemoveStake burns the requested shares once the unstaking period has
// passed and returns the tokens to pay out: the lesser of their current
// worth and the value fixed at request time. The caller moves the tokens.
func RemoveStake(vaultBalance fp.Int, stake *model.InsuranceFundStake, m *model.SpotMarket, now int64) (fp.Int, model.InsuranceFundStakeRecord, error) {
	if !stake.HasPendingRequest() {
		return fp.Zero, model.InsuranceFundStakeRecord{}, ErrNoRequest
	}
	if elapsed := now - stake.LastWithdrawRequestTS; elapsed < m.InsuranceFund.UnstakingPeriod {
		return fp.Zero, model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: %ds of %ds",
			ErrUnstakingPeriod, elapsed, m.InsuranceFund.UnstakingPeriod)
	}
	if err := rebase(vaultBalance, stake, m); err != nil {
		return fp.Zero, model.InsuranceFundStakeRecord{}, err
	}

	before := stake.IFShares
	n := stake.LastWithdrawRequestShares
	if !n.IsPositive() {
		return fp.Zero, model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: request rebased to no shares", ErrInvalidAmount)
	}
	if before.Lt(n) {
		return fp.Zero, model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: requested %s of %s", ErrInsufficientShares, n, before)
	}

	worth, err := IFSharesToVaultAmount(n, m.InsuranceFund.TotalShares, vaultBalance)
	if err != nil {
		return fp.Zero, model.InsuranceFundStakeRecord{}, err
	}
	amount := fp.Min(worth, stake.LastWithdrawRequestValue)
	if !amount.Lt(vaultBalance) {
		return fp.Zero, model.InsuranceFundStakeRecord{}, fmt.Errorf("%w: withdrawal of %s would empty a vault of %s",
			ErrInvariant, amount, vaultBalance)
	}

	if err := removeShares(stake, &m.InsuranceFund, n); err != nil {
		return fp.Zero, model.InsuranceFundStakeRecord{}, err
	}
	if stake.CostBasis, err = fp.C(stake.CostBasis).Sub(amount).Result(); err != nil {
		return fp.Zero, model.InsuranceFundStakeRecord{}, err
	}
	resetRequest(stake, now)
	return amount, record(ActionUnstake, now, amount, vaultBalance, before, stake, m), nil
}
