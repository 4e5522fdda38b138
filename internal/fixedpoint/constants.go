package fixedpoint

// Precisions. A value "in X precision" is the real number times X.
const (
	PricePrecision      = 1_000_000
	PegPrecision        = 1_000_000
	PriceToPegRatio     = PricePrecision / PegPrecision
	AMMReservePrecision = 1_000_000_000
	QuotePrecision      = 1_000_000
	BasePrecision       = AMMReservePrecision
	AMMToQuoteRatio     = AMMReservePrecision / QuotePrecision
	// AMMTimesPegToQuote converts reserve*peg into quote precision.
	AMMTimesPegToQuote = AMMReservePrecision * PegPrecision / QuotePrecision
	// PriceToQuoteRatio converts price*base/AMM_RESERVE into quote precision.
	PriceToQuoteRatio = PricePrecision / QuotePrecision

	BidAskSpreadPrecision          = 1_000_000
	PercentagePrecision            = 1_000_000
	DefaultLargeBidAskFactor       = 10 * BidAskSpreadPrecision
	MaxBidAskInventorySkewFactor   = 10 * BidAskSpreadPrecision
	ConcentrationPrecision         = 1_000_000
	MaxConcentrationCoefficient    = 1_414_200
	KBpsUpdateScale                = 1_000_000
	KBpsDecreaseMax                = 22_000
	KBpsIncreaseMax                = 1_000
	FundingRateBuffer              = 1_000
	FundingRatePrecision           = PricePrecision * FundingRateBuffer
	QuoteToBaseAmtFundingPrecision = AMMReservePrecision * FundingRatePrecision / QuotePrecision
	MarginPrecision                = 10_000

	OneHour    = 3_600
	FiveMinute = 300
	OneDay     = 86_400
	OneYear    = 31_536_000

	SpotRatePrecision                = 1_000_000
	SpotUtilizationPrecision         = 1_000_000
	SpotCumulativeInterestPrecision  = 10_000_000_000
	SpotBalancePrecision             = 1_000_000_000
	SpotWeightPrecision              = 10_000
	IFFactorPrecision                = 1_000_000
	MaxAPRPerRevenueSettleToIFVault  = 10 * SpotRatePrecision / 100
	FeeDenominator                   = 100_000
	FeePercentageDenominator         = 100
	LiquidityProviderFeeShareDivisor = 5
)
