package amm

import (
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

// SanitizeNewPrice clamps price to within a third of twap. A zero twap
// means no history and the price passes through.
func SanitizeNewPrice(price, twap fp.Int) (fp.Int, error) {
	if twap.IsZero() {
		return price, nil
	}
	band, err := fp.C(twap).DivN(3).Result()
	if err != nil {
		return fp.Zero, err
	}
	gap, err := fp.C(price).Sub(twap).Result()
	if err != nil {
		return fp.Zero, err
	}
	if gap.Abs().Lte(band.Abs()) {
		return price, nil
	}
	if price.Gt(twap) {
		return fp.C(twap).Add(band).Result()
	}
	return fp.C(twap).Sub(band).Result()
}

// UpdateMarkTWAP folds a trade at tradePrice into the bid, ask, mark and
// five-minute mark TWAPs and returns the new mark TWAP. A zero tradePrice
// stands for "no trade" and uses the last oracle price.
//
// The side of the book the trade did not touch is estimated from the
// oracle price and the execution premium: a long that paid above oracle
// implies a bid just under the oracle, and vice versa for shorts.
func UpdateMarkTWAP(a *model.AMM, now int64, tradePrice fp.Int, dir *model.PositionDirection) (fp.Int, error) {
	oraclePrice := a.HistoricalOracleData.LastOraclePrice
	if !oraclePrice.IsPositive() {
		return fp.Zero, ErrInvalidOracle
	}
	if tradePrice.IsZero() {
		tradePrice = oraclePrice
	}
	baseSpread := fp.New(a.BaseSpread)

	bestBid := tradePrice
	if tradePrice.Gt(oraclePrice) {
		discount := fp.Min(baseSpread, fp.New(a.ShortSpread/2))
		b, err := fp.C(oraclePrice).Sub(discount).Result()
		if err != nil {
			return fp.Zero, err
		}
		bestBid = b
	}
	bestAsk := tradePrice
	if tradePrice.Lt(oraclePrice) {
		premium := fp.Min(baseSpread, fp.New(a.LongSpread/2))
		k, err := fp.C(oraclePrice).Add(premium).Result()
		if err != nil {
			return fp.Zero, err
		}
		bestAsk = k
	}
	if bestBid.Gt(bestAsk) {
		return fp.Zero, invariantf("best bid estimate %s > best ask estimate %s", bestBid, bestAsk)
	}

	bid, ask := tradePrice, tradePrice
	if dir != nil {
		if *dir == model.Long {
			bid = bestBid
		} else {
			ask = bestAsk
		}
	}
	if bid.Gt(ask) {
		return fp.Zero, invariantf("bid %s > ask %s", bid, ask)
	}

	bidCapped, err := SanitizeNewPrice(bid, a.LastBidPriceTWAP)
	if err != nil {
		return fp.Zero, err
	}
	askCapped, err := SanitizeNewPrice(ask, a.LastAskPriceTWAP)
	if err != nil {
		return fp.Zero, err
	}
	if bidCapped.Gt(askCapped) {
		return fp.Zero, invariantf("capped bid %s > capped ask %s", bidCapped, askCapped)
	}

	bidTWAP, err := fp.NewTWAP(bidCapped, now, a.LastBidPriceTWAP, a.LastMarkPriceTWAPTS, a.FundingPeriod)
	if err != nil {
		return fp.Zero, err
	}
	askTWAP, err := fp.NewTWAP(askCapped, now, a.LastAskPriceTWAP, a.LastMarkPriceTWAPTS, a.FundingPeriod)
	if err != nil {
		return fp.Zero, err
	}
	midTWAP, err := fp.C(bidTWAP).Add(askTWAP).DivN(2).Result()
	if err != nil {
		return fp.Zero, err
	}

	if err := UpdateMarkStd(a, now, tradePrice, a.LastMarkPriceTWAP); err != nil {
		return fp.Zero, err
	}

	midCapped, err := fp.C(bidCapped).Add(askCapped).DivN(2).Result()
	if err != nil {
		return fp.Zero, err
	}
	twap5, err := fp.NewTWAP(midCapped, now, a.LastMarkPriceTWAP5Min, a.LastMarkPriceTWAPTS, fp.FiveMinute)
	if err != nil {
		return fp.Zero, err
	}

	a.LastBidPriceTWAP = bidTWAP
	a.LastAskPriceTWAP = askTWAP
	a.LastMarkPriceTWAP = midTWAP
	a.LastMarkPriceTWAP5Min = twap5
	a.LastMarkPriceTWAPTS = now
	return midTWAP, nil
}

// UpdateMarkStd rolls |price - ewma| into mark_std over max(1h, elapsed).
func UpdateMarkStd(a *model.AMM, now int64, price, ewma fp.Int) error {
	since := max(1, now-a.LastMarkPriceTWAPTS)
	change, err := fp.C(price).Sub(ewma).Abs().Result()
	if err != nil {
		return err
	}
	std, err := fp.RollingSum(a.MarkStd, change, fp.New(max(fp.OneHour, since)), fp.New(fp.OneHour))
	if err != nil {
		return err
	}
	a.MarkStd = std
	return nil
}

// UpdateLongShortIntensity rolls the trade into the one-hour count and
// volume of its side; the other side only decays.
func UpdateLongShortIntensity(a *model.AMM, now int64, quoteAmount fp.Int, dir model.PositionDirection) error {
	since := fp.New(max(1, now-a.LastTradeTS))
	hour := fp.New(fp.OneHour)

	longQuote, shortQuote := fp.Zero, fp.Zero
	if dir == model.Long {
		longQuote = quoteAmount
	} else {
		shortQuote = quoteAmount
	}

	roll := func(count, volume *fp.Int, quote fp.Int) error {
		hit := fp.Zero
		if !quote.IsZero() {
			hit = fp.One
		}
		c, err := fp.RollingSum(*count, hit, since, hour)
		if err != nil {
			return err
		}
		v, err := fp.RollingSum(*volume, quote, since, hour)
		if err != nil {
			return err
		}
		*count, *volume = c, v
		return nil
	}
	if err := roll(&a.LongIntensityCount, &a.LongIntensityVolume, longQuote); err != nil {
		return err
	}
	if err := roll(&a.ShortIntensityCount, &a.ShortIntensityVolume, shortQuote); err != nil {
		return err
	}
	a.LastTradeTS = now
	return nil
}

// UpdateOraclePriceTWAP normalizes the observation toward the reserve
// price, clamps it against the oracle TWAP and folds it into the funding
// period and five-minute oracle TWAPs. A non-positive normalized price
// leaves the history unchanged and returns the previous TWAP.
func UpdateOraclePriceTWAP(a *model.AMM, now int64, data model.OraclePriceData, reservePrice fp.Int) (fp.Int, error) {
	normalised, err := NormaliseOraclePrice(data, reservePrice)
	if err != nil {
		return fp.Zero, err
	}
	hist := &a.HistoricalOracleData

	capped, err := SanitizeNewPrice(normalised, hist.LastOraclePriceTWAP)
	if err != nil {
		return fp.Zero, err
	}
	if !capped.IsPositive() || !normalised.IsPositive() {
		return hist.LastOraclePriceTWAP, nil
	}

	twap, err := CalculateNewOraclePriceTWAP(a, now, capped, false)
	if err != nil {
		return fp.Zero, err
	}
	twap5, err := CalculateNewOraclePriceTWAP(a, now, capped, true)
	if err != nil {
		return fp.Zero, err
	}
	confPct, err := fp.C(data.Confidence).MulN(fp.BidAskSpreadPrecision).Div(reservePrice).Result()
	if err != nil {
		return fp.Zero, err
	}
	spreadPct, err := OracleReservePriceSpreadPct(data, reservePrice)
	if err != nil {
		return fp.Zero, err
	}

	a.LastOracleNormalisedPrice = capped
	a.LastOracleConfPct = confPct
	a.LastOracleReservePriceSpreadPct = spreadPct
	hist.LastOraclePrice = data.Price
	hist.LastOracleConf = data.Confidence
	hist.LastOracleDelay = data.Delay
	hist.LastOraclePriceTWAP = twap
	hist.LastOraclePriceTWAP5Min = twap5
	hist.LastOraclePriceTWAPTS = now
	return twap, nil
}

// CalculateNewOraclePriceTWAP returns the oracle TWAP after price at now,
// over the funding period or, with fiveMin, over five minutes. If the mark
// TWAP was updated after the oracle TWAP (the oracle was unusable in
// between), the price is first pulled toward the mark TWAP for that gap.
func CalculateNewOraclePriceTWAP(a *model.AMM, now int64, price fp.Int, fiveMin bool) (fp.Int, error) {
	hist := a.HistoricalOracleData
	lastMark, lastOracle, period := a.LastMarkPriceTWAP, hist.LastOraclePriceTWAP, a.FundingPeriod
	if fiveMin {
		lastMark, lastOracle, period = a.LastMarkPriceTWAP5Min, hist.LastOraclePriceTWAP5Min, fp.FiveMinute
	}

	since := max(1, now-hist.LastOraclePriceTWAPTS)
	fromStart := max(0, period-since)

	interpolated := price
	if a.LastMarkPriceTWAPTS > hist.LastOraclePriceTWAPTS {
		sinceValid := a.LastMarkPriceTWAPTS - hist.LastOraclePriceTWAPTS
		fromStartValid := max(1, period-sinceValid)
		p, err := fp.WeightedAverage(lastMark, price, fp.New(sinceValid), fp.New(fromStartValid))
		if err != nil {
			return fp.Zero, err
		}
		interpolated = p
	}

	return fp.WeightedAverage(interpolated, lastOracle, fp.New(since), fp.New(fromStart))
}
