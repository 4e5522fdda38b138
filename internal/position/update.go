// Package position applies fills, funding-free quote adjustments and LP
// share changes to user positions and keeps the market aggregates in step.
package position

import (
	"errors"
	"fmt"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInvalidPositionLastFundingRate is returned when a position with
	// base has not settled funding up to its side's accumulator.
	ErrInvalidPositionLastFundingRate = errors.New("position: funding not settled")

	// ErrStepSize is returned when a base amount is not a whole number of
	// order steps.
	ErrStepSize = errors.New("position: base amount not a multiple of step size")

	// ErrInvalidAmount is returned for zero or negative trade and share amounts.
	ErrInvalidAmount = errors.New("position: invalid amount")

	// ErrMarketNotActive is returned when a market does not accept fills.
	ErrMarketNotActive = errors.New("position: market not active")

	// ErrReduceOnly is returned when a fill would grow a position in a
	// reduce-only market.
	ErrReduceOnly = errors.New("position: market is reduce only")

	// ErrInsufficientLPShares is returned when burning more shares than held.
	ErrInsufficientLPShares = errors.New("position: insufficient lp shares")
)

// UpdateType classifies a delta against the position it applies to.
type UpdateType int

const (
	Open UpdateType = iota
	Increase
	Reduce
	Close
	Flip
)

func (t UpdateType) String() string {
	switch t {
	case Open:
		return "open"
	case Increase:
		return "increase"
	case Reduce:
		return "reduce"
	case Close:
		return "close"
	default:
		return "flip"
	}
}

// GetPositionUpdateType classifies delta against p.
func GetPositionUpdateType(p *model.PerpPosition, delta model.PositionDelta) UpdateType {
	base := p.BaseAssetAmount
	switch {
	case base.IsZero() && p.RemainderBaseAssetAmount.IsZero():
		return Open
	case base.IsZero() || base.Sign() == delta.BaseAssetAmount.Sign():
		return Increase
	}
	switch base.Abs().Cmp(delta.BaseAssetAmount.Abs()) {
	case 1:
		return Reduce
	case 0:
		return Close
	default:
		return Flip
	}
}

// sides holds the long and short aggregate fields a position update
// touches on the AMM.
type sides struct {
	base, entry, breakEven *fp.Int
}

func marketSide(a *model.AMM, long bool) sides {
	if long {
		return sides{&a.BaseAssetAmountLong, &a.QuoteEntryAmountLong, &a.QuoteBreakEvenAmountLong}
	}
	return sides{&a.BaseAssetAmountShort, &a.QuoteEntryAmountShort, &a.QuoteBreakEvenAmountShort}
}

func (s sides) add(base, entry, breakEven fp.Int) error {
	b, err := fp.C(*s.base).Add(base).Result()
	if err != nil {
		return err
	}
	e, err := fp.C(*s.entry).Add(entry).Result()
	if err != nil {
		return err
	}
	be, err := fp.C(*s.breakEven).Add(breakEven).Result()
	if err != nil {
		return err
	}
	*s.base, *s.entry, *s.breakEven = b, e, be
	return nil
}

// UpdatePositionAndMarket applies delta to p and to m's aggregates and
// returns the pnl realized by the reducing part of the delta. A delta
// without base is a plain quote adjustment whose amount is the pnl.
//
// Nothing is written unless the position's funding is current and the new
// base is a whole number of steps.
func UpdatePositionAndMarket(p *model.PerpPosition, m *model.PerpMarket, delta model.PositionDelta) (fp.Int, error) {
	if delta.BaseAssetAmount.IsZero() {
		if err := m.UpdateQuoteAssetAmount(p, delta.QuoteAssetAmount); err != nil {
			return fp.Zero, err
		}
		return delta.QuoteAssetAmount, nil
	}
	a := &m.AMM

	if !p.BaseAssetAmount.IsZero() && p.LastCumulativeFundingRate != a.CumulativeFundingRate(p.Direction()) {
		return fp.Zero, fmt.Errorf("%w: position at %s, market at %s", ErrInvalidPositionLastFundingRate,
			p.LastCumulativeFundingRate, a.CumulativeFundingRate(p.Direction()))
	}

	newBase, err := fp.C(p.BaseAssetAmount).Add(delta.BaseAssetAmount).Result()
	if err != nil {
		return fp.Zero, err
	}
	newQuote, err := fp.C(p.QuoteAssetAmount).Add(delta.QuoteAssetAmount).Result()
	if err != nil {
		return fp.Zero, err
	}
	if step := a.BaseAssetAmountStepSize; step.IsPositive() {
		ok, err := fp.IsMultipleOfStepSize(newBase.Abs(), step)
		if err != nil {
			return fp.Zero, err
		}
		if !ok {
			return fp.Zero, fmt.Errorf("%w: %s with step %s", ErrStepSize, newBase, step)
		}
	}

	updateType := GetPositionUpdateType(p, delta)
	var newEntry, newBreakEven, pnl fp.Int
	switch updateType {
	case Open, Increase:
		if newEntry, err = fp.C(p.QuoteEntryAmount).Add(delta.QuoteAssetAmount).Result(); err != nil {
			return fp.Zero, err
		}
		if newBreakEven, err = fp.C(p.QuoteBreakEvenAmount).Add(delta.QuoteAssetAmount).Result(); err != nil {
			return fp.Zero, err
		}
		pnl = fp.Zero
	case Reduce, Close:
		closedBase, heldBase := delta.BaseAssetAmount.Abs(), p.BaseAssetAmount.Abs()
		closedEntry, err := fp.Proportion(p.QuoteEntryAmount, closedBase, heldBase)
		if err != nil {
			return fp.Zero, err
		}
		closedBreakEven, err := fp.Proportion(p.QuoteBreakEvenAmount, closedBase, heldBase)
		if err != nil {
			return fp.Zero, err
		}
		if newEntry, err = fp.C(p.QuoteEntryAmount).Sub(closedEntry).Result(); err != nil {
			return fp.Zero, err
		}
		if newBreakEven, err = fp.C(p.QuoteBreakEvenAmount).Sub(closedBreakEven).Result(); err != nil {
			return fp.Zero, err
		}
		if pnl, err = fp.C(closedEntry).Add(delta.QuoteAssetAmount).Result(); err != nil {
			return fp.Zero, err
		}
	case Flip:
		// The delta's quote splits pro rata between closing the old
		// position and opening the new one.
		closing, err := fp.Proportion(delta.QuoteAssetAmount, p.BaseAssetAmount.Abs(), delta.BaseAssetAmount.Abs())
		if err != nil {
			return fp.Zero, err
		}
		if newEntry, err = fp.C(delta.QuoteAssetAmount).Sub(closing).Result(); err != nil {
			return fp.Zero, err
		}
		newBreakEven = newEntry
		if pnl, err = fp.C(p.QuoteEntryAmount).Add(closing).Result(); err != nil {
			return fp.Zero, err
		}
	}

	if err := updateMarketAggregates(m, p, updateType, delta, newBase, newEntry, newBreakEven); err != nil {
		return fp.Zero, err
	}

	wasOpen, hadBase := p.IsOpen(), !p.BaseAssetAmount.IsZero()
	p.BaseAssetAmount = newBase
	p.QuoteAssetAmount = newQuote
	p.QuoteEntryAmount = newEntry
	p.QuoteBreakEvenAmount = newBreakEven
	switch {
	case newBase.IsZero():
		p.LastCumulativeFundingRate = fp.Zero
	case newBase.IsPositive():
		p.LastCumulativeFundingRate = a.CumulativeFundingRateLong
	default:
		p.LastCumulativeFundingRate = a.CumulativeFundingRateShort
	}

	switch isOpen := p.IsOpen(); {
	case isOpen && !wasOpen:
		m.NumberOfUsers++
	case !isOpen && wasOpen:
		m.NumberOfUsers--
	}
	switch hasBase := !newBase.IsZero(); {
	case hasBase && !hadBase:
		m.NumberOfUsersWithBase++
	case !hasBase && hadBase:
		m.NumberOfUsersWithBase--
	}
	return pnl, nil
}

func updateMarketAggregates(m *model.PerpMarket, p *model.PerpPosition, t UpdateType, delta model.PositionDelta, newBase, newEntry, newBreakEven fp.Int) error {
	a := &m.AMM
	total, err := fp.C(a.QuoteAssetAmount).Add(delta.QuoteAssetAmount).Result()
	if err != nil {
		return err
	}
	a.QuoteAssetAmount = total

	switch t {
	case Open, Increase:
		return marketSide(a, newBase.IsPositive()).add(delta.BaseAssetAmount, delta.QuoteAssetAmount, delta.QuoteAssetAmount)
	case Reduce, Close:
		entryClosed, err := fp.C(newEntry).Sub(p.QuoteEntryAmount).Result()
		if err != nil {
			return err
		}
		breakEvenClosed, err := fp.C(newBreakEven).Sub(p.QuoteBreakEvenAmount).Result()
		if err != nil {
			return err
		}
		return marketSide(a, p.BaseAssetAmount.IsPositive()).add(delta.BaseAssetAmount, entryClosed, breakEvenClosed)
	default:
		old := marketSide(a, p.BaseAssetAmount.IsPositive())
		if err := old.add(p.BaseAssetAmount.Neg(), p.QuoteEntryAmount.Neg(), p.QuoteBreakEvenAmount.Neg()); err != nil {
			return err
		}
		return marketSide(a, newBase.IsPositive()).add(newBase, newEntry, newBreakEven)
	}
}
