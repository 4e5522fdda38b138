package model

import "github.com/atmx/perp-engine/internal/fixedpoint"

// PriceDivergenceGuardRails bounds how far mark may drift from oracle.
type PriceDivergenceGuardRails struct {
	MarkOracleDivergenceNumerator   int64 `json:"mark_oracle_divergence_numerator" toml:"mark_oracle_divergence_numerator"`
	MarkOracleDivergenceDenominator int64 `json:"mark_oracle_divergence_denominator" toml:"mark_oracle_divergence_denominator"`
}

// ValidityGuardRails decide when an oracle observation is usable.
type ValidityGuardRails struct {
	SlotsBeforeStaleForAMM    int64 `json:"slots_before_stale_for_amm" toml:"slots_before_stale_for_amm"`
	SlotsBeforeStaleForMargin int64 `json:"slots_before_stale_for_margin" toml:"slots_before_stale_for_margin"`
	ConfidenceIntervalMaxSize int64 `json:"confidence_interval_max_size" toml:"confidence_interval_max_size"`
	TooVolatileRatio          int64 `json:"too_volatile_ratio" toml:"too_volatile_ratio"`
}

// OracleGuardRails groups the oracle checks.
type OracleGuardRails struct {
	PriceDivergence    PriceDivergenceGuardRails `json:"price_divergence" toml:"price_divergence"`
	Validity           ValidityGuardRails        `json:"validity" toml:"validity"`
	UseForLiquidations bool                      `json:"use_for_liquidations" toml:"use_for_liquidations"`
}

// DefaultOracleGuardRails returns the exchange defaults.
func DefaultOracleGuardRails() OracleGuardRails {
	return OracleGuardRails{
		PriceDivergence: PriceDivergenceGuardRails{
			MarkOracleDivergenceNumerator:   1,
			MarkOracleDivergenceDenominator: 10,
		},
		Validity: ValidityGuardRails{
			SlotsBeforeStaleForAMM:    10,
			SlotsBeforeStaleForMargin: 120,
			ConfidenceIntervalMaxSize: 20_000,
			TooVolatileRatio:          5,
		},
		UseForLiquidations: true,
	}
}

// FeeTier is one row of the fee schedule. Fees are numerator/denominator
// fractions of the quote notional.
type FeeTier struct {
	FeeNumerator              int64 `json:"fee_numerator" toml:"fee_numerator"`
	FeeDenominator            int64 `json:"fee_denominator" toml:"fee_denominator"`
	MakerRebateNumerator      int64 `json:"maker_rebate_numerator" toml:"maker_rebate_numerator"`
	MakerRebateDenominator    int64 `json:"maker_rebate_denominator" toml:"maker_rebate_denominator"`
	ReferrerRewardNumerator   int64 `json:"referrer_reward_numerator" toml:"referrer_reward_numerator"`
	ReferrerRewardDenominator int64 `json:"referrer_reward_denominator" toml:"referrer_reward_denominator"`
	RefereeFeeNumerator       int64 `json:"referee_fee_numerator" toml:"referee_fee_numerator"`
	RefereeFeeDenominator     int64 `json:"referee_fee_denominator" toml:"referee_fee_denominator"`
}

// FeeStructure is the exchange fee schedule.
type FeeStructure struct {
	FeeTiers              []FeeTier `json:"fee_tiers" toml:"fee_tiers"`
	FillerRewardNumerator int64     `json:"filler_reward_numerator" toml:"filler_reward_numerator"`
	FlatFillerFee         int64     `json:"flat_filler_fee" toml:"flat_filler_fee"`
}

// Tier returns tier i, falling back to the base tier.
func (f FeeStructure) Tier(i int) FeeTier {
	if i < 0 || i >= len(f.FeeTiers) {
		return f.FeeTiers[0]
	}
	return f.FeeTiers[i]
}

// DefaultPerpFeeStructure returns the perp fee schedule: taker fees from
// 10 bps down to 3.5 bps and a 2 bps maker rebate.
func DefaultPerpFeeStructure() FeeStructure {
	numerators := []int64{100, 80, 60, 50, 40, 35}
	tiers := make([]FeeTier, 0, len(numerators))
	for _, n := range numerators {
		tiers = append(tiers, FeeTier{
			FeeNumerator:              n,
			FeeDenominator:            fixedpoint.FeeDenominator,
			MakerRebateNumerator:      20,
			MakerRebateDenominator:    fixedpoint.FeeDenominator,
			ReferrerRewardNumerator:   15,
			ReferrerRewardDenominator: fixedpoint.FeePercentageDenominator,
			RefereeFeeNumerator:       5,
			RefereeFeeDenominator:     fixedpoint.FeePercentageDenominator,
		})
	}
	return FeeStructure{
		FeeTiers:              tiers,
		FillerRewardNumerator: 10,
		FlatFillerFee:         10_000,
	}
}

// DefaultSpotFeeStructure returns the single-tier spot schedule.
func DefaultSpotFeeStructure() FeeStructure {
	return FeeStructure{
		FeeTiers: []FeeTier{{
			FeeNumerator:              100,
			FeeDenominator:            fixedpoint.FeeDenominator,
			MakerRebateNumerator:      20,
			MakerRebateDenominator:    fixedpoint.FeeDenominator,
			RefereeFeeDenominator:     fixedpoint.FeePercentageDenominator,
			ReferrerRewardDenominator: fixedpoint.FeePercentageDenominator,
		}},
		FillerRewardNumerator: 10,
		FlatFillerFee:         10_000,
	}
}

// DefaultWashTradeDivisor shrinks JIT size when the auction price would
// let the AMM trade against the oracle.
const DefaultWashTradeDivisor = 1000

// State holds exchange-wide parameters.
type State struct {
	ExchangePaused   bool             `json:"exchange_paused"`
	FundingPaused    bool             `json:"funding_paused"`
	OracleGuardRails OracleGuardRails `json:"oracle_guard_rails"`
	PerpFeeStructure FeeStructure     `json:"perp_fee_structure"`
	SpotFeeStructure FeeStructure     `json:"spot_fee_structure"`
	WashTradeDivisor int64            `json:"wash_trade_divisor"`
}

// DefaultState returns a running exchange with default parameters.
func DefaultState() State {
	return State{
		OracleGuardRails: DefaultOracleGuardRails(),
		PerpFeeStructure: DefaultPerpFeeStructure(),
		SpotFeeStructure: DefaultSpotFeeStructure(),
		WashTradeDivisor: DefaultWashTradeDivisor,
	}
}
