package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

// NormaliseOraclePrice pulls the oracle price up to 2.5 bps toward the
// reserve price, never past the oracle's confidence band.
func NormaliseOraclePrice(data model.OraclePriceData, reservePrice fp.Int) (fp.Int, error) {
	bps, err := fp.C(reservePrice).DivN(4000).Result()
	if err != nil {
		return fp.Zero, err
	}
	price, conf := data.Price, data.Confidence

	if reservePrice.Gt(price) {
		pulled, err := fp.C(reservePrice).Sub(bps).Result()
		if err != nil {
			return fp.Zero, err
		}
		upper, err := fp.C(price).Add(conf).Result()
		if err != nil {
			return fp.Zero, err
		}
		return fp.Min(fp.Max(pulled, price), upper), nil
	}

	pulled, err := fp.C(reservePrice).Add(bps).Result()
	if err != nil {
		return fp.Zero, err
	}
	lower, err := fp.C(price).Sub(conf).Result()
	if err != nil {
		return fp.Zero, err
	}
	return fp.Max(fp.Min(pulled, price), lower), nil
}

// OracleReservePriceSpreadPct is (reserve - oracle)/reserve in
// BID_ASK_SPREAD precision.
func OracleReservePriceSpreadPct(data model.OraclePriceData, reservePrice fp.Int) (fp.Int, error) {
	return fp.C(reservePrice).Sub(data.Price).MulN(fp.BidAskSpreadPrecision).Div(reservePrice).Result()
}

// OracleTWAP5MinMarkSpreadPct is (reserve - 5min oracle TWAP)/reserve.
func OracleTWAP5MinMarkSpreadPct(a *model.AMM, reservePrice fp.Int) (fp.Int, error) {
	return fp.C(reservePrice).Sub(a.HistoricalOracleData.LastOraclePriceTWAP5Min).
		MulN(fp.BidAskSpreadPrecision).Div(reservePrice).Result()
}

// MarkTWAPSpreadPct is (reserve - mark TWAP)/mark TWAP.
func MarkTWAPSpreadPct(a *model.AMM, reservePrice fp.Int) (fp.Int, error) {
	return fp.C(reservePrice).Sub(a.LastMarkPriceTWAP).
		MulN(fp.BidAskSpreadPrecision).Div(a.LastMarkPriceTWAP).Result()
}

func maxDivergence(rails model.PriceDivergenceGuardRails) (fp.Int, error) {
	return fp.CN(rails.MarkOracleDivergenceNumerator).MulN(fp.BidAskSpreadPrecision).
		DivN(rails.MarkOracleDivergenceDenominator).Result()
}

// IsOracleMarkTooDivergent reports whether |spreadPct| exceeds the
// configured divergence.
func IsOracleMarkTooDivergent(spreadPct fp.Int, rails model.PriceDivergenceGuardRails) (bool, error) {
	limit, err := maxDivergence(rails)
	if err != nil {
		return false, err
	}
	return spreadPct.Abs().Gt(limit), nil
}

// UseOraclePriceForMarginCalculation applies a third of the divergence
// limit: past it, margin uses the oracle instead of the mark.
func UseOraclePriceForMarginCalculation(spreadPct fp.Int, rails model.PriceDivergenceGuardRails) (bool, error) {
	limit, err := maxDivergence(rails)
	if err != nil {
		return false, err
	}
	limit, err = fp.C(limit).DivN(3).Result()
	if err != nil {
		return false, err
	}
	return spreadPct.Abs().Gt(limit), nil
}

// OracleStatus is the oracle's fitness relative to a market.
type OracleStatus struct {
	Validity                 oracle.Validity
	MarkTooDivergent         bool
	OracleReservePriceSpread fp.Int
}

// GetOracleStatus grades data and compares the five-minute oracle TWAP
// against the reserve price.
func GetOracleStatus(a *model.AMM, data model.OraclePriceData, rails model.OracleGuardRails, reservePrice fp.Int) (OracleStatus, error) {
	validity, err := oracle.Assess(a.HistoricalOracleData.LastOraclePriceTWAP, data, rails.Validity)
	if err != nil {
		return OracleStatus{}, err
	}
	spreadPct, err := OracleReservePriceSpreadPct(data, reservePrice)
	if err != nil {
		return OracleStatus{}, err
	}
	twapSpread, err := OracleTWAP5MinMarkSpreadPct(a, reservePrice)
	if err != nil {
		return OracleStatus{}, err
	}
	divergent, err := IsOracleMarkTooDivergent(twapSpread, rails.PriceDivergence)
	if err != nil {
		return OracleStatus{}, err
	}
	return OracleStatus{
		Validity:                 validity,
		MarkTooDivergent:         divergent,
		OracleReservePriceSpread: spreadPct,
	}, nil
}

// BlockOperation reports whether AMM-driven state changes (funding, K
// updates) must wait: the oracle is not valid for funding or the mark has
// drifted too far from it.
func BlockOperation(a *model.AMM, data model.OraclePriceData, rails model.OracleGuardRails, reservePrice fp.Int) (bool, error) {
	status, err := GetOracleStatus(a, data, rails, reservePrice)
	if err != nil {
		return true, err
	}
	return !oracle.ValidForAction(status.Validity, oracle.UpdateFunding) || status.MarkTooDivergent, nil
}
