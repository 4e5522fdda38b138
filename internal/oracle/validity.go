package oracle

import (
	"github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// Validity grades an oracle observation, worst first.
type Validity int

const (
	Invalid Validity = iota
	TooVolatile
	TooUncertain
	StaleForMargin
	InsufficientDataPoints
	StaleForAMM
	Valid
)

func (v Validity) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case TooVolatile:
		return "too_volatile"
	case TooUncertain:
		return "too_uncertain"
	case StaleForMargin:
		return "stale_for_margin"
	case InsufficientDataPoints:
		return "insufficient_data_points"
	case StaleForAMM:
		return "stale_for_amm"
	default:
		return "valid"
	}
}

// Action is an operation that consumes an oracle price.
type Action int

const (
	UpdateFunding Action = iota
	FillAMM
	MarginCalc
	SettlePnl
	UpdateTWAP
)

// Assess grades data against the last oracle TWAP and the guard rails.
func Assess(lastOracleTWAP fixedpoint.Int, data model.OraclePriceData, rails model.ValidityGuardRails) (Validity, error) {
	if !data.Price.IsPositive() {
		return Invalid, nil
	}

	hi := fixedpoint.Max(data.Price, lastOracleTWAP)
	lo := fixedpoint.Max(fixedpoint.One, fixedpoint.Min(data.Price, lastOracleTWAP))
	ratio, err := fixedpoint.C(hi).Div(lo).Result()
	if err != nil {
		return Invalid, err
	}
	if ratio.Gt(fixedpoint.New(rails.TooVolatileRatio)) {
		return TooVolatile, nil
	}

	confPct, err := fixedpoint.C(data.Confidence).MulN(fixedpoint.BidAskSpreadPrecision).Div(data.Price).Result()
	if err != nil {
		return Invalid, err
	}
	if confPct.Gt(fixedpoint.New(rails.ConfidenceIntervalMaxSize)) {
		return TooUncertain, nil
	}

	switch {
	case data.Delay > rails.SlotsBeforeStaleForMargin:
		return StaleForMargin, nil
	case !data.HasSufficientDataPoints:
		return InsufficientDataPoints, nil
	case data.Delay > rails.SlotsBeforeStaleForAMM:
		return StaleForAMM, nil
	}
	return Valid, nil
}

// ValidForAction reports whether an observation graded v may drive action.
func ValidForAction(v Validity, action Action) bool {
	switch action {
	case UpdateFunding, FillAMM:
		return v == Valid
	case MarginCalc:
		return v == Valid || v == StaleForAMM
	case SettlePnl:
		return v > TooUncertain
	case UpdateTWAP:
		return v != Invalid
	}
	return false
}
