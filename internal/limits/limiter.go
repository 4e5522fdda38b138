// Package limits implements pre-trade risk limits for perp fills.
//
// A fill is checked against three bounds before it touches the AMM:
//   - the AMM's own max fillable size on the taker's side
//   - the market's max open interest
//   - an optional per-user cap on absolute position size
//
// Fills that shrink open interest or a position are always allowed
// through the last two checks, so users can exit a market that is
// already over its caps.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrFillTooLarge is returned when a fill exceeds what the AMM can
	// take on one side.
	ErrFillTooLarge = errors.New("limits: fill exceeds max fillable")

	// ErrOpenInterestExceeded is returned when a fill would push the
	// market's open interest past its maximum.
	ErrOpenInterestExceeded = errors.New("limits: max open interest exceeded")

	// ErrPositionLimitExceeded is returned when a fill would push a user's
	// position beyond the per-user maximum.
	ErrPositionLimitExceeded = errors.New("limits: position limit exceeded")
)

// Limiter enforces fill limits.
type Limiter struct {
	// MaxPositionBase is the maximum absolute position per user per
	// market, in base units. Zero disables the check.
	MaxPositionBase decimal.Decimal
}

// NewLimiter creates a limiter with the given per-user position cap.
func NewLimiter(maxPositionBase decimal.Decimal) *Limiter {
	return &Limiter{MaxPositionBase: maxPositionBase}
}

// CheckFill validates a market order of base (positive, BASE precision)
// in direction dir against m for a user currently holding position base
// held.
func (l *Limiter) CheckFill(m *model.PerpMarket, held, base fp.Int, dir model.PositionDirection) error {
	signed := base
	if dir == model.Short {
		signed = base.Neg()
	}
	newHeld, err := fp.C(held).Add(signed).Result()
	if err != nil {
		return err
	}

	// 1. AMM depth.
	if m.AMM.MaxBaseAssetAmountRatio > 0 {
		maxFill, err := amm.CalculateMaxBaseAssetAmountFillable(&m.AMM, dir)
		if err != nil {
			return err
		}
		if base.Gt(maxFill) {
			return fmt.Errorf("%w: %s > %s", ErrFillTooLarge, base, maxFill)
		}
	}

	// 2. Market open interest.
	if m.MaxOpenInterest.IsPositive() {
		before := m.OpenInterest()
		after, err := openInterestAfter(&m.AMM, held, newHeld)
		if err != nil {
			return err
		}
		if after.Gt(m.MaxOpenInterest) && after.Gt(before) {
			return fmt.Errorf("%w: %s > %s", ErrOpenInterestExceeded, after, m.MaxOpenInterest)
		}
	}

	// 3. Per-user position.
	if l != nil && l.MaxPositionBase.IsPositive() && newHeld.Abs().Gt(held.Abs()) {
		size := newHeld.Abs().Decimal(9)
		if size.GreaterThan(l.MaxPositionBase) {
			return fmt.Errorf("%w: %s > %s", ErrPositionLimitExceeded, size, l.MaxPositionBase)
		}
	}
	return nil
}

// openInterestAfter is the market's open interest once one position moves
// from held to newHeld.
func openInterestAfter(a *model.AMM, held, newHeld fp.Int) (fp.Int, error) {
	long, err := fp.C(a.BaseAssetAmountLong).Sub(fp.Max(held, fp.Zero)).Add(fp.Max(newHeld, fp.Zero)).Result()
	if err != nil {
		return fp.Zero, err
	}
	short, err := fp.C(a.BaseAssetAmountShort).Sub(fp.Min(held, fp.Zero)).Add(fp.Min(newHeld, fp.Zero)).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.Max(long, short.Abs()), nil
}
