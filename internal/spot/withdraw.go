package spot

import (
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// CalculateMinDepositToken is the deposit floor: deposits may not fall more
// than a quarter below their daily TWAP, or below the guard threshold
// when that is larger.
func CalculateMinDepositToken(depositTokenTWAP, withdrawGuardThreshold fp.Int) (fp.Int, error) {
	quarter, err := fp.C(depositTokenTWAP).DivN(4).Result()
	if err != nil {
		return fp.Zero, err
	}
	cut := fp.Max(quarter, fp.Min(withdrawGuardThreshold, depositTokenTWAP))
	return fp.C(depositTokenTWAP).Sub(cut).Result()
}

// CalculateMaxBorrowTokenAmount is the borrow ceiling, which keeps
// utilization roughly between 15% and 80% with friction on the borrow TWAP.
func CalculateMaxBorrowTokenAmount(depositTokens, borrowTokenTWAP, withdrawGuardThreshold fp.Int) (fp.Int, error) {
	sixth, err := fp.C(depositTokens).DivN(6).Result()
	if err != nil {
		return fp.Zero, err
	}
	trailing, err := fp.C(depositTokens).DivN(10).Add(borrowTokenTWAP).Result()
	if err != nil {
		return fp.Zero, err
	}
	fifth, err := fp.C(depositTokens).DivN(5).Result()
	if err != nil {
		return fp.Zero, err
	}
	ceiling, err := fp.C(depositTokens).Sub(fifth).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.Max(withdrawGuardThreshold, fp.Min(fp.Max(sixth, trailing), ceiling)), nil
}

// userExceptionToWithdrawLimits lets a small depositor with non-negative
// lifetime flows take out their principal even when the market is at its
// limits.
func userExceptionToWithdrawLimits(m *model.SpotMarket, user *model.User, withdrawn *fp.Int) (bool, error) {
	if user == nil || withdrawn == nil {
		return false, nil
	}
	p, err := user.SpotPosition(m.MarketIndex)
	if err != nil {
		return false, nil
	}
	if user.TotalDeposits.Lt(user.TotalWithdraws) || p.CumulativeDeposits.IsNegative() || p.BalanceType != model.Deposit {
		return false, nil
	}

	tokens, err := GetTokenAmount(p.ScaledBalance, m, p.BalanceType)
	if err != nil {
		return false, err
	}
	total, err := fp.C(tokens).Add(*withdrawn).Result()
	if err != nil {
		return false, err
	}
	limit, err := fp.C(m.WithdrawGuardThreshold).DivN(10).Result()
	if err != nil {
		return false, err
	}
	return total.Lt(limit), nil
}

// CheckWithdrawLimits reports whether m is inside its withdraw limits after
// a flow by user of withdrawn tokens. A user left borrowing is checked
// against both limits, any other user against the deposit floor only, and
// a nil user against both.
func CheckWithdrawLimits(m *model.SpotMarket, user *model.User, withdrawn *fp.Int) (bool, error) {
	deposits, err := GetTokenAmount(m.DepositBalance, m, model.Deposit)
	if err != nil {
		return false, err
	}
	borrows, err := GetTokenAmount(m.BorrowBalance, m, model.Borrow)
	if err != nil {
		return false, err
	}
	maxBorrow, err := CalculateMaxBorrowTokenAmount(deposits, m.BorrowTokenTWAP, m.WithdrawGuardThreshold)
	if err != nil {
		return false, err
	}
	minDeposit, err := CalculateMinDepositToken(m.DepositTokenTWAP, m.WithdrawGuardThreshold)
	if err != nil {
		return false, err
	}

	depositOK := deposits.Gte(minDeposit)
	borrowOK := borrows.Lte(maxBorrow)
	valid := depositOK && borrowOK
	if user != nil {
		p, err := user.SpotPosition(m.MarketIndex)
		if err == nil && p.BalanceType == model.Borrow {
			valid = depositOK && borrowOK
		} else {
			valid = depositOK
		}
	}
	if valid {
		return true, nil
	}
	return userExceptionToWithdrawLimits(m, user, withdrawn)
}

// GetMaxWithdrawForMarketWithTokenAmount returns how many tokens a holder
// of tokenAmount (negative for a borrow) can take out of m right now: their
// deposit down to the market floor, then new borrows up to the ceiling.
func GetMaxWithdrawForMarketWithTokenAmount(m *model.SpotMarket, tokenAmount fp.Int) (fp.Int, error) {
	deposits, err := GetTokenAmount(m.DepositBalance, m, model.Deposit)
	if err != nil {
		return fp.Zero, err
	}

	maxWithdraw := fp.Zero
	if tokenAmount.IsPositive() {
		minDeposit, err := CalculateMinDepositToken(m.DepositTokenTWAP, m.WithdrawGuardThreshold)
		if err != nil {
			return fp.Zero, err
		}
		limit := fp.SaturatingSub(deposits, minDeposit)
		if limit.Lte(tokenAmount) {
			return limit, nil
		}
		maxWithdraw = tokenAmount
	}

	borrows, err := GetTokenAmount(m.BorrowBalance, m, model.Borrow)
	if err != nil {
		return fp.Zero, err
	}
	maxBorrow, err := CalculateMaxBorrowTokenAmount(deposits, m.BorrowTokenTWAP, m.WithdrawGuardThreshold)
	if err != nil {
		return fp.Zero, err
	}
	borrowLimit := fp.Min(fp.SaturatingSub(maxBorrow, borrows), fp.SaturatingSub(deposits, borrows))
	return fp.C(maxWithdraw).Add(borrowLimit).Result()
}

// ValidateSpotBalances checks that borrows are covered by deposits and the
// revenue pool by deposits, and returns the depositors' net claim.
func ValidateSpotBalances(m *model.SpotMarket) (fp.Int, error) {
	deposits, err := GetTokenAmount(m.DepositBalance, m, model.Deposit)
	if err != nil {
		return fp.Zero, err
	}
	borrows, err := GetTokenAmount(m.BorrowBalance, m, model.Borrow)
	if err != nil {
		return fp.Zero, err
	}
	if deposits.Lt(borrows) {
		return fp.Zero, fmt.Errorf("%w: deposits %s < borrows %s", ErrBalanceInvariant, deposits, borrows)
	}
	revenue, err := GetTokenAmount(m.RevenuePool.ScaledBalance, m, model.Deposit)
	if err != nil {
		return fp.Zero, err
	}
	if revenue.Gt(deposits) {
		return fp.Zero, fmt.Errorf("%w: revenue %s > deposits %s", ErrVaultInvariant, revenue, deposits)
	}
	return fp.C(deposits).Sub(borrows).Result()
}

// ValidateSpotMarketVaultAmount checks that vaultAmount covers the
// depositors' net claim and returns the claim.
func ValidateSpotMarketVaultAmount(m *model.SpotMarket, vaultAmount fp.Int) (fp.Int, error) {
	claim, err := ValidateSpotBalances(m)
	if err != nil {
		return fp.Zero, err
	}
	if vaultAmount.Lt(claim) {
		return fp.Zero, fmt.Errorf("%w: vault %s < depositor claims %s", ErrVaultInvariant, vaultAmount, claim)
	}
	return claim, nil
}

// ValidateBorrowRate checks a rate curve before it is installed.
func ValidateBorrowRate(optimalUtilization, optimalBorrowRate, maxBorrowRate fp.Int) error {
	if optimalUtilization.Gt(fp.New(fp.SpotUtilizationPrecision)) {
		return fmt.Errorf("%w: optimal utilization %s above %d", ErrInvalidMarket, optimalUtilization, fp.SpotUtilizationPrecision)
	}
	if optimalBorrowRate.Gt(maxBorrowRate) {
		return fmt.Errorf("%w: optimal borrow rate %s above max %s", ErrInvalidMarket, optimalBorrowRate, maxBorrowRate)
	}
	return nil
}
