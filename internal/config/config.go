// Package config loads exchange parameters and market definitions from a
// TOML file. Prices and sizes in the file are human-readable decimals; they
// are converted to the engine's fixed-point precisions when markets are
// built.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/contract"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/spot"
)

// ErrInvalid is returned for configurations the engine cannot run.
var ErrInvalid = errors.New("config: invalid")

// Config is the contents of a markets file.
type Config struct {
	ExchangePaused   bool                    `toml:"exchange_paused"`
	FundingPaused    bool                    `toml:"funding_paused"`
	WashTradeDivisor int64                   `toml:"wash_trade_divisor"`
	OracleGuardRails *model.OracleGuardRails `toml:"oracle_guard_rails"`
	PerpFeeTiers     []model.FeeTier         `toml:"perp_fee_tiers"`
	PerpMarkets      []PerpMarket            `toml:"perp_markets"`
	SpotMarkets      []SpotMarket            `toml:"spot_markets"`
}

// PerpMarket describes a perp market and the initial shape of its curve.
type PerpMarket struct {
	Index      uint16 `toml:"index"`
	Symbol     string `toml:"symbol"`
	OracleFeed string `toml:"oracle_feed"`
	Status     string `toml:"status"`

	// Price is the initial peg and oracle price, e.g. "40.25".
	Price string `toml:"price"`
	// Depth is sqrt_k in base units, e.g. "1000000".
	Depth    string `toml:"depth"`
	StepSize string `toml:"step_size"`
	// MaxOpenInterest in base units; empty means unlimited.
	MaxOpenInterest string `toml:"max_open_interest"`

	FundingPeriod           int64 `toml:"funding_period"`
	BaseSpread              int64 `toml:"base_spread"`
	MaxSpread               int64 `toml:"max_spread"`
	CurveUpdateIntensity    int64 `toml:"curve_update_intensity"`
	AMMJITIntensity         int64 `toml:"amm_jit_intensity"`
	ConcentrationCoef       int64 `toml:"concentration_coef"`
	MaxBaseAssetAmountRatio int64 `toml:"max_base_asset_amount_ratio"`
	MarginRatioInitial      int64 `toml:"margin_ratio_initial"`
	MarginRatioMaintenance  int64 `toml:"margin_ratio_maintenance"`
}

// SpotMarket describes a collateral asset.
type SpotMarket struct {
	Index      uint16 `toml:"index"`
	Symbol     string `toml:"symbol"`
	OracleFeed string `toml:"oracle_feed"`
	Decimals   uint32 `toml:"decimals"`
	Price      string `toml:"price"`

	// Rates and utilization as fractions, e.g. "0.8".
	OptimalUtilization string `toml:"optimal_utilization"`
	OptimalBorrowRate  string `toml:"optimal_borrow_rate"`
	MaxBorrowRate      string `toml:"max_borrow_rate"`
	// WithdrawGuardThreshold in tokens, e.g. "100000".
	WithdrawGuardThreshold string `toml:"withdraw_guard_threshold"`

	UnstakingPeriod     int64 `toml:"unstaking_period"`
	RevenueSettlePeriod int64 `toml:"revenue_settle_period"`
}

// Load reads the markets file at path. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("markets file: %w", err)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s has unknown key %s", ErrInvalid, path, undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default is the built-in exchange: SOL-PERP and BTC-PERP margined in
// USDC, plus SOL as a second collateral.
func Default() *Config {
	return &Config{
		WashTradeDivisor: model.DefaultWashTradeDivisor,
		PerpMarkets: []PerpMarket{
			{
				Index: 0, Symbol: "SOL-PERP", OracleFeed: "SOL/USD", Status: string(model.MarketActive),
				Price: "40", Depth: "1000000", StepSize: "0.001",
				FundingPeriod: fp.OneHour, BaseSpread: 500, MaxSpread: 50_000,
				CurveUpdateIntensity: 100, AMMJITIntensity: 100,
				ConcentrationCoef: fp.MaxConcentrationCoefficient, MaxBaseAssetAmountRatio: 1000,
				MarginRatioInitial: 1000, MarginRatioMaintenance: 500,
			},
			{
				Index: 1, Symbol: "BTC-PERP", OracleFeed: "BTC/USD", Status: string(model.MarketActive),
				Price: "30000", Depth: "10000", StepSize: "0.0001", MaxOpenInterest: "1000",
				FundingPeriod: fp.OneHour, BaseSpread: 500, MaxSpread: 50_000,
				CurveUpdateIntensity: 100, AMMJITIntensity: 100,
				ConcentrationCoef: fp.MaxConcentrationCoefficient, MaxBaseAssetAmountRatio: 1000,
				MarginRatioInitial: 1000, MarginRatioMaintenance: 500,
			},
		},
		SpotMarkets: []SpotMarket{
			{
				Index: 0, Symbol: "USDC", OracleFeed: "USDC/USD", Decimals: 6, Price: "1",
				OptimalUtilization: "0.8", OptimalBorrowRate: "0.2", MaxBorrowRate: "1",
				WithdrawGuardThreshold: "100000",
				UnstakingPeriod:        13 * fp.OneDay, RevenueSettlePeriod: fp.OneHour,
			},
			{
				Index: 1, Symbol: "SOL", OracleFeed: "SOL/USD", Decimals: 9, Price: "40",
				OptimalUtilization: "0.7", OptimalBorrowRate: "0.1", MaxBorrowRate: "0.5",
				WithdrawGuardThreshold: "1000",
				UnstakingPeriod:        13 * fp.OneDay, RevenueSettlePeriod: fp.OneHour,
			},
		},
	}
}

// Validate checks indices and symbols are unique and well formed and that
// USDC, the quote asset, is spot market 0.
func (c *Config) Validate() error {
	perpIdx, perpSym := map[uint16]bool{}, map[string]bool{}
	for _, m := range c.PerpMarkets {
		sym, err := contract.ParseSymbol(m.Symbol)
		if err != nil || sym.Kind != contract.Perp {
			return fmt.Errorf("%w: perp market symbol %q", ErrInvalid, m.Symbol)
		}
		if perpIdx[m.Index] || perpSym[m.Symbol] {
			return fmt.Errorf("%w: duplicate perp market %d %s", ErrInvalid, m.Index, m.Symbol)
		}
		perpIdx[m.Index], perpSym[m.Symbol] = true, true
	}
	spotIdx, spotSym := map[uint16]bool{}, map[string]bool{}
	for _, m := range c.SpotMarkets {
		sym, err := contract.ParseSymbol(m.Symbol)
		if err != nil || sym.Kind != contract.Spot {
			return fmt.Errorf("%w: spot market symbol %q", ErrInvalid, m.Symbol)
		}
		if spotIdx[m.Index] || spotSym[m.Symbol] {
			return fmt.Errorf("%w: duplicate spot market %d %s", ErrInvalid, m.Index, m.Symbol)
		}
		spotIdx[m.Index], spotSym[m.Symbol] = true, true
	}
	if len(c.SpotMarkets) > 0 && !spotIdx[QuoteSpotMarketIndex] {
		return fmt.Errorf("%w: spot market %d (quote) missing", ErrInvalid, QuoteSpotMarketIndex)
	}
	return nil
}

// QuoteSpotMarketIndex is the spot market perp pnl settles into.
const QuoteSpotMarketIndex = 0

// State returns the exchange state with the file's overrides applied.
func (c *Config) State() model.State {
	st := model.DefaultState()
	st.ExchangePaused = c.ExchangePaused
	st.FundingPaused = c.FundingPaused
	if c.WashTradeDivisor > 0 {
		st.WashTradeDivisor = c.WashTradeDivisor
	}
	if c.OracleGuardRails != nil {
		st.OracleGuardRails = *c.OracleGuardRails
	}
	if len(c.PerpFeeTiers) > 0 {
		st.PerpFeeStructure.FeeTiers = append([]model.FeeTier(nil), c.PerpFeeTiers...)
	}
	return st
}

// decimalAt parses s and scales it to precision 10^exp. An empty string is
// zero.
func decimalAt(field, s string, exp int32) (fp.Int, error) {
	if s == "" {
		return fp.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fp.Zero, fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, s, err)
	}
	if d.IsNegative() {
		return fp.Zero, fmt.Errorf("%w: %s is negative", ErrInvalid, field)
	}
	return fp.FromDecimal(d, exp)
}

// Build returns the market with a balanced curve: equal reserves of
// Depth at a peg of Price, so the reserve price equals Price.
func (c PerpMarket) Build(now int64) (*model.PerpMarket, error) {
	price, err := decimalAt("price", c.Price, 6)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s needs a positive price", ErrInvalid, c.Symbol)
	}
	depth, err := decimalAt("depth", c.Depth, 9)
	if err != nil {
		return nil, err
	}
	if !depth.IsPositive() {
		return nil, fmt.Errorf("%w: %s needs a positive depth", ErrInvalid, c.Symbol)
	}
	step, err := decimalAt("step_size", c.StepSize, 9)
	if err != nil {
		return nil, err
	}
	maxOI, err := decimalAt("max_open_interest", c.MaxOpenInterest, 9)
	if err != nil {
		return nil, err
	}
	if c.MaxSpread < c.BaseSpread {
		return nil, fmt.Errorf("%w: %s max_spread below base_spread", ErrInvalid, c.Symbol)
	}

	coef := c.ConcentrationCoef
	if coef == 0 {
		coef = fp.MaxConcentrationCoefficient
	}
	if coef <= fp.ConcentrationPrecision || coef > fp.MaxConcentrationCoefficient {
		return nil, fmt.Errorf("%w: %s concentration_coef %d", ErrInvalid, c.Symbol, coef)
	}
	minReserve, maxReserve, err := amm.CalculateBidAskBounds(fp.New(coef), depth)
	if err != nil {
		return nil, err
	}
	status := model.MarketStatus(c.Status)
	if status == "" {
		status = model.MarketActive
	}
	period := c.FundingPeriod
	if period == 0 {
		period = fp.OneHour
	}

	m := &model.PerpMarket{
		MarketIndex:            c.Index,
		Symbol:                 c.Symbol,
		Status:                 status,
		OracleFeed:             c.OracleFeed,
		MarginRatioInitial:     c.MarginRatioInitial,
		MarginRatioMaintenance: c.MarginRatioMaintenance,
		MaxOpenInterest:        maxOI,
		AMM: model.AMM{
			BaseAssetReserve:          depth,
			QuoteAssetReserve:         depth,
			SqrtK:                     depth,
			PegMultiplier:             price,
			ConcentrationCoef:         fp.New(coef),
			BidBaseAssetReserve:       depth,
			BidQuoteAssetReserve:      depth,
			AskBaseAssetReserve:       depth,
			AskQuoteAssetReserve:      depth,
			TerminalQuoteAssetReserve: depth,
			MinBaseAssetReserve:       minReserve,
			MaxBaseAssetReserve:       maxReserve,
			FundingPeriod:             period,
			LastFundingRateTS:         now,
			LastMarkPriceTWAP:         price,
			LastMarkPriceTWAP5Min:     price,
			LastBidPriceTWAP:          price,
			LastAskPriceTWAP:          price,
			LastMarkPriceTWAPTS:       now,
			LastOracleNormalisedPrice: price,
			HistoricalOracleData: model.HistoricalOracleData{
				LastOraclePrice:         price,
				LastOraclePriceTWAP:     price,
				LastOraclePriceTWAP5Min: price,
				LastOraclePriceTWAPTS:   now,
			},
			BaseSpread:              c.BaseSpread,
			MaxSpread:               c.MaxSpread,
			LongSpread:              c.BaseSpread / 2,
			ShortSpread:             c.BaseSpread / 2,
			CurveUpdateIntensity:    c.CurveUpdateIntensity,
			AMMJITIntensity:         c.AMMJITIntensity,
			BaseAssetAmountStepSize: step,
			MaxBaseAssetAmountRatio: c.MaxBaseAssetAmountRatio,
		},
	}
	if _, _, err := amm.UpdateSpreads(&m.AMM, price); err != nil {
		return nil, fmt.Errorf("%s spreads: %w", c.Symbol, err)
	}
	return m, nil
}

// Build returns the spot market with unit interest multipliers and an
// empty insurance fund.
func (c SpotMarket) Build(now int64) (*model.SpotMarket, error) {
	if c.Decimals < 6 || c.Decimals > 16 {
		return nil, fmt.Errorf("%w: %s decimals %d", ErrInvalid, c.Symbol, c.Decimals)
	}
	price, err := decimalAt("price", c.Price, 6)
	if err != nil {
		return nil, err
	}
	optimalUtil, err := decimalAt("optimal_utilization", c.OptimalUtilization, 6)
	if err != nil {
		return nil, err
	}
	optimalRate, err := decimalAt("optimal_borrow_rate", c.OptimalBorrowRate, 6)
	if err != nil {
		return nil, err
	}
	maxRate, err := decimalAt("max_borrow_rate", c.MaxBorrowRate, 6)
	if err != nil {
		return nil, err
	}
	if err := spot.ValidateBorrowRate(optimalUtil, optimalRate, maxRate); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Symbol, err)
	}
	guard, err := decimalAt("withdraw_guard_threshold", c.WithdrawGuardThreshold, int32(c.Decimals))
	if err != nil {
		return nil, err
	}

	return &model.SpotMarket{
		MarketIndex:               c.Index,
		Symbol:                    c.Symbol,
		Decimals:                  c.Decimals,
		OracleFeed:                c.OracleFeed,
		CumulativeDepositInterest: fp.New(fp.SpotCumulativeInterestPrecision),
		CumulativeBorrowInterest:  fp.New(fp.SpotCumulativeInterestPrecision),
		LastInterestTS:            now,
		LastTWAPTS:                now,
		OptimalUtilization:        optimalUtil,
		OptimalBorrowRate:         optimalRate,
		MaxBorrowRate:             maxRate,
		WithdrawGuardThreshold:    guard,
		InsuranceFund: model.InsuranceFund{
			UnstakingPeriod:     c.UnstakingPeriod,
			RevenueSettlePeriod: c.RevenueSettlePeriod,
			LastRevenueSettleTS: now,
		},
		HistoricalOracleData: model.HistoricalOracleData{
			LastOraclePrice:         price,
			LastOraclePriceTWAP:     price,
			LastOraclePriceTWAP5Min: price,
			LastOraclePriceTWAPTS:   now,
		},
	}, nil
}

// OraclePrices returns the configured price of every oracle feed, PRICE
// precision. A feed shared by several markets takes the first price seen.
func (c *Config) OraclePrices() (map[string]fp.Int, error) {
	prices := make(map[string]fp.Int)
	add := func(feed, price string) error {
		if feed == "" {
			return nil
		}
		if _, ok := prices[feed]; ok {
			return nil
		}
		p, err := decimalAt("price", price, 6)
		if err != nil {
			return err
		}
		prices[feed] = p
		return nil
	}
	for _, m := range c.PerpMarkets {
		if err := add(m.OracleFeed, m.Price); err != nil {
			return nil, err
		}
	}
	for _, m := range c.SpotMarkets {
		if err := add(m.OracleFeed, m.Price); err != nil {
			return nil, err
		}
	}
	return prices, nil
}
