package model

import "github.com/atmx/perp-engine/internal/fixedpoint"

type Int = fixedpoint.Int

// HistoricalOracleData is the oracle memory of a market. Prices are in
// PRICE precision; timestamps are unix seconds and never decrease.
type HistoricalOracleData struct {
	LastOraclePrice         Int   `json:"last_oracle_price"`
	LastOracleConf          Int   `json:"last_oracle_conf"`
	LastOracleDelay         int64 `json:"last_oracle_delay"`
	LastOraclePriceTWAP     Int   `json:"last_oracle_price_twap"`
	LastOraclePriceTWAP5Min Int   `json:"last_oracle_price_twap_5min"`
	LastOraclePriceTWAPTS   int64 `json:"last_oracle_price_twap_ts"`
}

// OraclePriceData is one observation from an oracle source.
type OraclePriceData struct {
	Price                   Int   `json:"price"`
	Confidence              Int   `json:"confidence"`
	Delay                   int64 `json:"delay"`
	HasSufficientDataPoints bool  `json:"has_sufficient_data_points"`
}

// AMM is the constant-product state of one perp market.
type AMM struct {
	// Reserves in AMM_RESERVE precision; peg in PEG precision.
	BaseAssetReserve  Int `json:"base_asset_reserve"`
	QuoteAssetReserve Int `json:"quote_asset_reserve"`
	SqrtK             Int `json:"sqrt_k"`
	PegMultiplier     Int `json:"peg_multiplier"`
	ConcentrationCoef Int `json:"concentration_coef"`

	BidBaseAssetReserve       Int `json:"bid_base_asset_reserve"`
	BidQuoteAssetReserve      Int `json:"bid_quote_asset_reserve"`
	AskBaseAssetReserve       Int `json:"ask_base_asset_reserve"`
	AskQuoteAssetReserve      Int `json:"ask_quote_asset_reserve"`
	TerminalQuoteAssetReserve Int `json:"terminal_quote_asset_reserve"`
	MinBaseAssetReserve       Int `json:"min_base_asset_reserve"`
	MaxBaseAssetReserve       Int `json:"max_base_asset_reserve"`

	// NetBaseAssetAmount is the users' aggregate base traded against the
	// AMM-owned liquidity, in BASE precision. Positive means users are net long.
	NetBaseAssetAmount            Int `json:"net_base_asset_amount"`
	NetUnsettledLPBaseAssetAmount Int `json:"net_unsettled_lp_base_asset_amount"`
	UserLPShares                  Int `json:"user_lp_shares"`
	BaseAssetAmountPerLP          Int `json:"base_asset_amount_per_lp"`
	QuoteAssetAmountPerLP         Int `json:"quote_asset_amount_per_lp"`

	// Aggregates over positions.
	BaseAssetAmountLong       Int `json:"base_asset_amount_long"`
	BaseAssetAmountShort      Int `json:"base_asset_amount_short"`
	QuoteAssetAmount          Int `json:"quote_asset_amount"`
	QuoteEntryAmountLong      Int `json:"quote_entry_amount_long"`
	QuoteEntryAmountShort     Int `json:"quote_entry_amount_short"`
	QuoteBreakEvenAmountLong  Int `json:"quote_break_even_amount_long"`
	QuoteBreakEvenAmountShort Int `json:"quote_break_even_amount_short"`
	CumulativeSocialLoss      Int `json:"cumulative_social_loss"`

	// Fee pool, QUOTE precision.
	TotalFee                   Int `json:"total_fee"`
	TotalExchangeFee           Int `json:"total_exchange_fee"`
	TotalMMFee                 Int `json:"total_mm_fee"`
	TotalFeeMinusDistributions Int `json:"total_fee_minus_distributions"`
	TotalFeeWithdrawn          Int `json:"total_fee_withdrawn"`
	TotalLiquidationFee        Int `json:"total_liquidation_fee"`
	NetRevenueSinceLastFunding Int `json:"net_revenue_since_last_funding"`

	// Funding, FUNDING_RATE precision.
	CumulativeFundingRateLong  Int   `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort Int   `json:"cumulative_funding_rate_short"`
	LastFundingRate            Int   `json:"last_funding_rate"`
	LastFundingRateLong        Int   `json:"last_funding_rate_long"`
	LastFundingRateShort       Int   `json:"last_funding_rate_short"`
	Last24hAvgFundingRate      Int   `json:"last_24h_avg_funding_rate"`
	LastFundingRateTS          int64 `json:"last_funding_rate_ts"`
	FundingPeriod              int64 `json:"funding_period"`

	// TWAPs, PRICE precision.
	LastMarkPriceTWAP               Int                  `json:"last_mark_price_twap"`
	LastMarkPriceTWAP5Min           Int                  `json:"last_mark_price_twap_5min"`
	LastBidPriceTWAP                Int                  `json:"last_bid_price_twap"`
	LastAskPriceTWAP                Int                  `json:"last_ask_price_twap"`
	LastMarkPriceTWAPTS             int64                `json:"last_mark_price_twap_ts"`
	MarkStd                         Int                  `json:"mark_std"`
	LastOracleNormalisedPrice       Int                  `json:"last_oracle_normalised_price"`
	LastOracleReservePriceSpreadPct Int                  `json:"last_oracle_reserve_price_spread_pct"`
	LastOracleConfPct               Int                  `json:"last_oracle_conf_pct"`
	HistoricalOracleData            HistoricalOracleData `json:"historical_oracle_data"`

	// Spreads, BID_ASK_SPREAD precision.
	BaseSpread           int64 `json:"base_spread"`
	MaxSpread            int64 `json:"max_spread"`
	LongSpread           int64 `json:"long_spread"`
	ShortSpread          int64 `json:"short_spread"`
	CurveUpdateIntensity int64 `json:"curve_update_intensity"`
	AMMJITIntensity      int64 `json:"amm_jit_intensity"`

	LongIntensityCount   Int   `json:"long_intensity_count"`
	LongIntensityVolume  Int   `json:"long_intensity_volume"`
	ShortIntensityCount  Int   `json:"short_intensity_count"`
	ShortIntensityVolume Int   `json:"short_intensity_volume"`
	LastTradeTS          int64 `json:"last_trade_ts"`

	BaseAssetAmountStepSize Int   `json:"base_asset_amount_step_size"`
	MaxBaseAssetAmountRatio int64 `json:"max_base_asset_amount_ratio"`
}

// PerpMarket is a perpetual futures market and its AMM.
type PerpMarket struct {
	MarketIndex            uint16       `json:"market_index"`
	Symbol                 string       `json:"symbol"`
	Status                 MarketStatus `json:"status"`
	OracleFeed             string       `json:"oracle_feed"`
	AMM                    AMM          `json:"amm"`
	NumberOfUsers          int64        `json:"number_of_users"`
	NumberOfUsersWithBase  int64        `json:"number_of_users_with_base"`
	MarginRatioInitial     int64        `json:"margin_ratio_initial"`
	MarginRatioMaintenance int64        `json:"margin_ratio_maintenance"`
	MaxOpenInterest        Int          `json:"max_open_interest"`

	// ExpiryPrice is set once the market settles, PRICE precision.
	ExpiryPrice Int `json:"expiry_price"`

	// PnlPool holds realized user losses not yet paid out, QUOTE precision.
	PnlPool TokenAccount `json:"pnl_pool"`
}

// OpenInterest is the larger of aggregate long and short base.
func (m *PerpMarket) OpenInterest() Int {
	return fixedpoint.Max(m.AMM.BaseAssetAmountLong, m.AMM.BaseAssetAmountShort.Abs())
}

// CumulativeFundingRate returns the accumulator a position on side dir
// is settled against.
func (a *AMM) CumulativeFundingRate(dir PositionDirection) Int {
	if dir == Long {
		return a.CumulativeFundingRateLong
	}
	return a.CumulativeFundingRateShort
}

// PerpPosition is one user's exposure in one perp market.
type PerpPosition struct {
	MarketIndex               uint16 `json:"market_index"`
	BaseAssetAmount           Int    `json:"base_asset_amount"`
	QuoteAssetAmount          Int    `json:"quote_asset_amount"`
	QuoteEntryAmount          Int    `json:"quote_entry_amount"`
	QuoteBreakEvenAmount      Int    `json:"quote_break_even_amount"`
	LastCumulativeFundingRate Int    `json:"last_cumulative_funding_rate"`
	OpenBids                  Int    `json:"open_bids"`
	OpenAsks                  Int    `json:"open_asks"`
	SettledPnl                Int    `json:"settled_pnl"`

	LPShares                  Int `json:"lp_shares"`
	LastBaseAssetAmountPerLP  Int `json:"last_base_asset_amount_per_lp"`
	LastQuoteAssetAmountPerLP Int `json:"last_quote_asset_amount_per_lp"`
	RemainderBaseAssetAmount  Int `json:"remainder_base_asset_amount"`
}

// Direction is Long for a flat or long position.
func (p *PerpPosition) Direction() PositionDirection {
	if p.BaseAssetAmount.IsNegative() {
		return Short
	}
	return Long
}

// IsAvailable reports whether the slot holds nothing and can be reused.
func (p *PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount.IsZero() && p.QuoteAssetAmount.IsZero() &&
		p.LPShares.IsZero() && p.OpenBids.IsZero() && p.OpenAsks.IsZero() &&
		p.RemainderBaseAssetAmount.IsZero()
}

// IsOpen reports whether the position is counted in NumberOfUsers.
func (p *PerpPosition) IsOpen() bool {
	return !p.BaseAssetAmount.IsZero() || !p.QuoteAssetAmount.IsZero()
}

// PositionDelta is a signed change applied to a position.
type PositionDelta struct {
	BaseAssetAmount  Int `json:"base_asset_amount"`
	QuoteAssetAmount Int `json:"quote_asset_amount"`
}

// UpdateQuoteAssetAndBreakEvenAmount applies a cost such as a fee to p's
// quote and, while p holds base, to its break-even amount and its side's
// break-even aggregate.
func (m *PerpMarket) UpdateQuoteAssetAndBreakEvenAmount(p *PerpPosition, delta Int) error {
	if delta.IsZero() {
		return nil
	}
	if !p.BaseAssetAmount.IsZero() {
		side := &m.AMM.QuoteBreakEvenAmountLong
		if p.BaseAssetAmount.IsNegative() {
			side = &m.AMM.QuoteBreakEvenAmountShort
		}
		be, err := fixedpoint.C(p.QuoteBreakEvenAmount).Add(delta).Result()
		if err != nil {
			return err
		}
		total, err := fixedpoint.C(*side).Add(delta).Result()
		if err != nil {
			return err
		}
		p.QuoteBreakEvenAmount, *side = be, total
	}
	return m.UpdateQuoteAssetAmount(p, delta)
}

// UpdateQuoteAssetAmount adds delta to p's quote and the market aggregate,
// and keeps NumberOfUsers in step with whether p is open.
func (m *PerpMarket) UpdateQuoteAssetAmount(p *PerpPosition, delta Int) error {
	if delta.IsZero() {
		return nil
	}
	wasOpen := p.IsOpen()
	quote, err := fixedpoint.C(p.QuoteAssetAmount).Add(delta).Result()
	if err != nil {
		return err
	}
	total, err := fixedpoint.C(m.AMM.QuoteAssetAmount).Add(delta).Result()
	if err != nil {
		return err
	}
	p.QuoteAssetAmount = quote
	m.AMM.QuoteAssetAmount = total

	switch isOpen := p.IsOpen(); {
	case isOpen && !wasOpen:
		m.NumberOfUsers++
	case !isOpen && wasOpen:
		m.NumberOfUsers--
	}
	return nil
}
