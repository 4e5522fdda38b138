// Package insurance keeps the share ledger of a spot market's insurance
// fund vault. Shares are claims on the vault pro rata; when the vault
// shrinks relative to the shares outstanding, shares are rebased down by a
// power of ten so precision is not lost.
package insurance

import (
	"errors"
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInsufficientShares is returned when a stake holds fewer shares than requested.
	ErrInsufficientShares = errors.New("insurance: insufficient shares")

	// ErrRequestInProgress is returned when a withdrawal request blocks the action.
	ErrRequestInProgress = errors.New("insurance: withdraw request in progress")

	// ErrNoRequest is returned when there is no withdrawal request to act on.
	ErrNoRequest = errors.New("insurance: no withdraw request in progress")

	// ErrUnstakingPeriod is returned when a removal comes before the
	// unstaking period has elapsed.
	ErrUnstakingPeriod = errors.New("insurance: unstaking period not elapsed")

	// ErrInvalidAmount is returned for zero stakes and requests worth no shares.
	ErrInvalidAmount = errors.New("insurance: invalid amount")

	// ErrInvalidRebase is returned when a stake's share base is ahead of the fund.
	ErrInvalidRebase = errors.New("insurance: invalid share rebase")

	// ErrInvariant is returned when share or vault accounting is inconsistent.
	ErrInvariant = errors.New("insurance: invariant violated")
)

// VaultAmountToIFShares converts amount of vault tokens to shares at the
// current share price. An empty vault mints one share per token and must
// have no shares outstanding.
func VaultAmountToIFShares(amount, totalShares, vaultBalance fp.Int) (fp.Int, error) {
	if vaultBalance.IsPositive() {
		return fp.Proportion(amount, totalShares, vaultBalance)
	}
	if !totalShares.IsZero() {
		return fp.Zero, fmt.Errorf("%w: %s shares against an empty vault", ErrInvariant, totalShares)
	}
	return amount, nil
}

// IFSharesToVaultAmount converts nShares to vault tokens at the current
// share price.
func IFSharesToVaultAmount(nShares, totalShares, vaultBalance fp.Int) (fp.Int, error) {
	if nShares.Gt(totalShares) {
		return fp.Zero, fmt.Errorf("%w: %s shares of %s total", ErrInsufficientShares, nShares, totalShares)
	}
	if totalShares.IsZero() {
		return fp.Zero, nil
	}
	return fp.Proportion(vaultBalance, nShares, totalShares)
}

// CalculateRebaseInfo returns the exponent and power-of-ten divisor that
// bring totalShares back within ten times the vault balance.
func CalculateRebaseInfo(totalShares, vaultBalance fp.Int) (uint32, fp.Int, error) {
	full, err := fp.C(totalShares).DivN(10).Div(vaultBalance).Result()
	if err != nil {
		return 0, fp.Zero, err
	}
	expo := fp.Log10(full)
	divisor, err := fp.Pow10(expo)
	if err != nil {
		return 0, fp.Zero, err
	}
	return expo, divisor, nil
}

// CalculateIFSharesLost returns how many of the requested shares a staker
// forfeits on cancelling a withdrawal request. If the shares grew in value
// since the request, the staker keeps only enough of them to be worth the
// requested value at today's price and the rest stay with the fund.
func CalculateIFSharesLost(stake *model.InsuranceFundStake, m *model.SpotMarket, vaultBalance fp.Int) (fp.Int, error) {
	nShares := stake.LastWithdrawRequestShares
	total := m.InsuranceFund.TotalShares

	amount, err := IFSharesToVaultAmount(nShares, total, vaultBalance)
	if err != nil {
		return fp.Zero, err
	}
	if amount.Lte(stake.LastWithdrawRequestValue) {
		return fp.Zero, nil
	}

	otherShares, err := fp.C(total).Sub(nShares).Result()
	if err != nil {
		return fp.Zero, err
	}
	otherBalance, err := fp.C(vaultBalance).Sub(stake.LastWithdrawRequestValue).Result()
	if err != nil {
		return fp.Zero, err
	}
	kept, err := VaultAmountToIFShares(stake.LastWithdrawRequestValue, otherShares, otherBalance)
	if err != nil {
		return fp.Zero, err
	}
	if kept.Gt(nShares) {
		return fp.Zero, fmt.Errorf("%w: cancel keeps %s of %s shares", ErrInvariant, kept, nShares)
	}
	return fp.C(nShares).Sub(kept).Result()
}

// ApplyRebaseToInsuranceFund divides the fund's shares by a power of ten
// once they outnumber the vault tokens, and raises the shares base to
// match.
func ApplyRebaseToInsuranceFund(vaultBalance fp.Int, m *model.SpotMarket) error {
	f := &m.InsuranceFund
	if vaultBalance.IsZero() || f.TotalShares.Lte(vaultBalance) {
		return nil
	}
	expo, divisor, err := CalculateRebaseInfo(f.TotalShares, vaultBalance)
	if err != nil {
		return err
	}
	if expo == 0 {
		return nil
	}
	total, err := fp.C(f.TotalShares).Div(divisor).Result()
	if err != nil {
		return err
	}
	user, err := fp.C(f.UserShares).Div(divisor).Result()
	if err != nil {
		return err
	}
	f.TotalShares, f.UserShares = total, user
	f.SharesBase += expo
	return nil
}

// ApplyRebaseToInsuranceFundStake brings a stake to the fund's shares base.
func ApplyRebaseToInsuranceFundStake(stake *model.InsuranceFundStake, m *model.SpotMarket) error {
	base := m.InsuranceFund.SharesBase
	if stake.IFBase == base {
		return nil
	}
	if stake.IFBase > base {
		return fmt.Errorf("%w: stake base %d ahead of fund base %d", ErrInvalidRebase, stake.IFBase, base)
	}
	divisor, err := fp.Pow10(base - stake.IFBase)
	if err != nil {
		return err
	}
	shares, err := fp.C(stake.IFShares).Div(divisor).Result()
	if err != nil {
		return err
	}
	requested, err := fp.C(stake.LastWithdrawRequestShares).Div(divisor).Result()
	if err != nil {
		return err
	}
	stake.IFShares = shares
	stake.LastWithdrawRequestShares = requested
	stake.IFBase = base
	return nil
}

// CheckedIFShares returns the stake's shares, failing when the stake has
// not been rebased to the fund's base.
func CheckedIFShares(stake *model.InsuranceFundStake, m *model.SpotMarket) (fp.Int, error) {
	if stake.IFBase != m.InsuranceFund.SharesBase {
		return fp.Zero, fmt.Errorf("%w: stake base %d, fund base %d", ErrInvalidRebase, stake.IFBase, m.InsuranceFund.SharesBase)
	}
	return stake.IFShares, nil
}
