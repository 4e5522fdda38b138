// Package spot keeps interest-bearing collateral balances. Balances are
// stored scaled: tokens = scaled_balance * cumulative_interest /
// precision_increase, so accruing interest only moves the two cumulative
// multipliers of a market.
package spot

import (
	"errors"
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrDailyWithdrawLimit is returned when a withdrawal or borrow would
	// push the market past its dynamic deposit floor or borrow ceiling.
	ErrDailyWithdrawLimit = errors.New("spot: daily withdraw limit")

	// ErrBalanceInvariant is returned when borrows exceed deposits.
	ErrBalanceInvariant = errors.New("spot: market balance invariant violated")

	// ErrVaultInvariant is returned when the vault cannot cover depositor claims.
	ErrVaultInvariant = errors.New("spot: market vault invariant violated")

	// ErrInvalidMarket is returned for rate curves that cannot be evaluated.
	ErrInvalidMarket = errors.New("spot: invalid market parameters")

	// ErrRevenueSettle is returned when revenue cannot be settled yet.
	ErrRevenueSettle = errors.New("spot: revenue settlement not allowed")
)

// GetTokenAmount converts a scaled balance of type t to tokens, rounding down.
func GetTokenAmount(balance fp.Int, m *model.SpotMarket, t model.SpotBalanceType) (fp.Int, error) {
	precInc, err := m.PrecisionIncrease()
	if err != nil {
		return fp.Zero, err
	}
	return fp.W(balance).Mul(m.CumulativeInterest(t)).Div(precInc).Result()
}

// GetSpotBalance converts tokens to a scaled balance of type t. With
// roundUp a non-zero result gains one unit.
func GetSpotBalance(tokens fp.Int, m *model.SpotMarket, t model.SpotBalanceType, roundUp bool) (fp.Int, error) {
	precInc, err := m.PrecisionIncrease()
	if err != nil {
		return fp.Zero, err
	}
	balance, err := fp.W(tokens).Mul(precInc).Div(m.CumulativeInterest(t)).Result()
	if err != nil {
		return fp.Zero, err
	}
	if roundUp && !balance.IsZero() {
		return fp.C(balance).AddN(1).Result()
	}
	return balance, nil
}

// UpdateSpotBalances moves tokens in direction dir on b and keeps the
// market totals in step. A move against b's type first drains b and flips
// it once exhausted. Borrow balances round up, as does any reduction when
// forceRoundUp is set (tokens leaving custody).
func UpdateSpotBalances(tokens fp.Int, dir model.SpotBalanceType, m *model.SpotMarket, b *model.SpotBalance, forceRoundUp bool) error {
	if tokens.IsNegative() {
		return fmt.Errorf("%w: negative token amount %s", fp.ErrArithmetic, tokens)
	}
	if b.ScaledBalance.IsZero() {
		b.BalanceType = dir
	}

	if dir == b.BalanceType {
		delta, err := GetSpotBalance(tokens, m, dir, dir == model.Borrow)
		if err != nil {
			return err
		}
		return increaseBalance(m, b, delta)
	}

	current, err := GetTokenAmount(b.ScaledBalance, m, b.BalanceType)
	if err != nil {
		return err
	}
	if !current.IsZero() {
		tokenDelta, balanceDelta := current, b.ScaledBalance
		if current.Gt(tokens) {
			roundUp := forceRoundUp || b.BalanceType == model.Borrow
			if balanceDelta, err = GetSpotBalance(tokens, m, b.BalanceType, roundUp); err != nil {
				return err
			}
			tokenDelta = tokens
		}
		if err := decreaseBalance(m, b, balanceDelta); err != nil {
			return err
		}
		if tokens, err = fp.C(tokens).Sub(tokenDelta).Result(); err != nil {
			return err
		}
	}

	if tokens.IsPositive() {
		// the remainder has gone past zero: b flips to dir
		if !b.ScaledBalance.IsZero() {
			if err := decreaseBalance(m, b, b.ScaledBalance); err != nil {
				return err
			}
		}
		b.BalanceType = dir
		delta, err := GetSpotBalance(tokens, m, dir, dir == model.Borrow)
		if err != nil {
			return err
		}
		return increaseBalance(m, b, delta)
	}
	return nil
}

func marketBalance(m *model.SpotMarket, t model.SpotBalanceType) *fp.Int {
	if t == model.Borrow {
		return &m.BorrowBalance
	}
	return &m.DepositBalance
}

func increaseBalance(m *model.SpotMarket, b *model.SpotBalance, delta fp.Int) error {
	total := marketBalance(m, b.BalanceType)
	newTotal, err := fp.C(*total).Add(delta).Result()
	if err != nil {
		return err
	}
	newBalance, err := fp.C(b.ScaledBalance).Add(delta).Result()
	if err != nil {
		return err
	}
	*total, b.ScaledBalance = newTotal, newBalance
	return nil
}

func decreaseBalance(m *model.SpotMarket, b *model.SpotBalance, delta fp.Int) error {
	total := marketBalance(m, b.BalanceType)
	if delta.Gt(b.ScaledBalance) || delta.Gt(*total) {
		return fmt.Errorf("%w: decrease %s exceeds balance %s (market %s)",
			ErrBalanceInvariant, delta, b.ScaledBalance, *total)
	}
	newTotal, err := fp.C(*total).Sub(delta).Result()
	if err != nil {
		return err
	}
	newBalance, err := fp.C(b.ScaledBalance).Sub(delta).Result()
	if err != nil {
		return err
	}
	*total, b.ScaledBalance = newTotal, newBalance
	return nil
}

// UpdateSpotBalancesAndCumulativeDeposits updates p and adds the signed
// token flow to its cumulative deposits: deposits count up, borrows and
// withdrawals count down.
func UpdateSpotBalancesAndCumulativeDeposits(tokens fp.Int, dir model.SpotBalanceType, m *model.SpotMarket, p *model.SpotPosition, forceRoundUp bool) error {
	if err := UpdateSpotBalances(tokens, dir, m, &p.SpotBalance, forceRoundUp); err != nil {
		return err
	}
	flow := tokens
	if dir == model.Borrow {
		flow = tokens.Neg()
	}
	cum, err := fp.C(p.CumulativeDeposits).Add(flow).Result()
	if err != nil {
		return err
	}
	p.CumulativeDeposits = cum
	return nil
}

// UpdateSpotBalancesAndCumulativeDepositsWithLimits applies a user-initiated
// deposit, withdrawal or borrow on the user's position in m. Withdrawals
// and borrows must leave the market inside its withdraw limits unless
// override is set; failures leave user and m partially updated, so callers
// work on copies.
func UpdateSpotBalancesAndCumulativeDepositsWithLimits(tokens fp.Int, dir model.SpotBalanceType, m *model.SpotMarket, user *model.User, override bool) error {
	p, err := user.ForceSpotPosition(m.MarketIndex)
	if err != nil {
		return err
	}
	if err := UpdateSpotBalancesAndCumulativeDeposits(tokens, dir, m, p, true); err != nil {
		return err
	}
	if dir == model.Deposit || override {
		return nil
	}

	ok, err := CheckWithdrawLimits(m, user, &tokens)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: market %d, amount %s", ErrDailyWithdrawLimit, m.MarketIndex, tokens)
	}
	return nil
}
