package model

import "github.com/google/uuid"

// Record is an immutable event appended to the ledger by an operation.
type Record interface {
	// Kind names the record type, e.g. "trade".
	Kind() string
}

// TradeRecord describes a fill against the AMM.
type TradeRecord struct {
	TS                      int64             `json:"ts"`
	UserID                  uuid.UUID         `json:"user_id"`
	MarketIndex             uint16            `json:"market_index"`
	Direction               PositionDirection `json:"direction"`
	BaseAssetAmount         Int               `json:"base_asset_amount"`
	QuoteAssetAmount        Int               `json:"quote_asset_amount"`
	QuoteAssetAmountSurplus Int               `json:"quote_asset_amount_surplus"`
	Fee                     Int               `json:"fee"`
	Pnl                     Int               `json:"pnl"`
	LPBaseAssetAmount       Int               `json:"lp_base_asset_amount"`
	ReservePriceBefore      Int               `json:"reserve_price_before"`
	ReservePriceAfter       Int               `json:"reserve_price_after"`
	OraclePrice             Int               `json:"oracle_price"`
}

func (TradeRecord) Kind() string { return "trade" }

// FundingRateRecord is emitted by each funding update.
type FundingRateRecord struct {
	TS                         int64  `json:"ts"`
	MarketIndex                uint16 `json:"market_index"`
	FundingRate                Int    `json:"funding_rate"`
	FundingRateLong            Int    `json:"funding_rate_long"`
	FundingRateShort           Int    `json:"funding_rate_short"`
	CumulativeFundingRateLong  Int    `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort Int    `json:"cumulative_funding_rate_short"`
	MarkPriceTWAP              Int    `json:"mark_price_twap"`
	OraclePriceTWAP            Int    `json:"oracle_price_twap"`
	PeriodRevenue              Int    `json:"period_revenue"`
	NetBaseAssetAmount         Int    `json:"net_base_asset_amount"`
	FundingImbalanceCost       Int    `json:"funding_imbalance_cost"`
}

func (FundingRateRecord) Kind() string { return "funding_rate" }

// FundingPaymentRecord is emitted when a position settles funding.
type FundingPaymentRecord struct {
	TS                        int64     `json:"ts"`
	UserID                    uuid.UUID `json:"user_id"`
	MarketIndex               uint16    `json:"market_index"`
	FundingPayment            Int       `json:"funding_payment"`
	BaseAssetAmount           Int       `json:"base_asset_amount"`
	UserLastCumulativeFunding Int       `json:"user_last_cumulative_funding"`
	AMMCumulativeFundingLong  Int       `json:"amm_cumulative_funding_long"`
	AMMCumulativeFundingShort Int       `json:"amm_cumulative_funding_short"`
}

func (FundingPaymentRecord) Kind() string { return "funding_payment" }

// CurveRecord is emitted when sqrt_k changes.
type CurveRecord struct {
	TS                 int64  `json:"ts"`
	MarketIndex        uint16 `json:"market_index"`
	SqrtKBefore        Int    `json:"sqrt_k_before"`
	SqrtKAfter         Int    `json:"sqrt_k_after"`
	BaseReserveAfter   Int    `json:"base_asset_reserve_after"`
	QuoteReserveAfter  Int    `json:"quote_asset_reserve_after"`
	NetBaseAssetAmount Int    `json:"net_base_asset_amount"`
	AdjustmentCost     Int    `json:"adjustment_cost"`
}

func (CurveRecord) Kind() string { return "curve" }

// LPRecord is emitted when liquidity is added, removed or settled.
type LPRecord struct {
	TS          int64         `json:"ts"`
	UserID      uuid.UUID     `json:"user_id"`
	MarketIndex uint16        `json:"market_index"`
	Action      string        `json:"action"`
	NShares     Int           `json:"n_shares"`
	Delta       PositionDelta `json:"delta"`
	Pnl         Int           `json:"pnl"`
}

func (LPRecord) Kind() string { return "lp" }

// SettlePnlRecord is emitted when realized perp pnl moves to spot.
type SettlePnlRecord struct {
	TS          int64     `json:"ts"`
	UserID      uuid.UUID `json:"user_id"`
	MarketIndex uint16    `json:"market_index"`
	Pnl         Int       `json:"pnl"`
}

func (SettlePnlRecord) Kind() string { return "settle_pnl" }

// SpotInterestRecord is emitted after interest accrues on a spot market.
type SpotInterestRecord struct {
	TS                        int64  `json:"ts"`
	MarketIndex               uint16 `json:"market_index"`
	DepositBalance            Int    `json:"deposit_balance"`
	CumulativeDepositInterest Int    `json:"cumulative_deposit_interest"`
	BorrowBalance             Int    `json:"borrow_balance"`
	CumulativeBorrowInterest  Int    `json:"cumulative_borrow_interest"`
	Utilization               Int    `json:"utilization"`
}

func (SpotInterestRecord) Kind() string { return "spot_interest" }

// DepositRecord is emitted for spot deposits and withdrawals.
type DepositRecord struct {
	TS          int64     `json:"ts"`
	UserID      uuid.UUID `json:"user_id"`
	MarketIndex uint16    `json:"market_index"`
	Direction   string    `json:"direction"`
	Amount      Int       `json:"amount"`
	OraclePrice Int       `json:"oracle_price"`
}

func (DepositRecord) Kind() string { return "deposit" }

// InsuranceFundRecord is emitted when revenue moves into the fund.
type InsuranceFundRecord struct {
	TS                int64  `json:"ts"`
	MarketIndex       uint16 `json:"market_index"`
	Amount            Int    `json:"amount"`
	VaultAmountBefore Int    `json:"vault_amount_before"`
	TotalIFShares     Int    `json:"total_if_shares"`
	UserIFShares      Int    `json:"user_if_shares"`
}

func (InsuranceFundRecord) Kind() string { return "insurance_fund" }

// InsuranceFundStakeRecord is emitted for every stake action.
type InsuranceFundStakeRecord struct {
	TS                 int64     `json:"ts"`
	UserID             uuid.UUID `json:"user_id"`
	MarketIndex        uint16    `json:"market_index"`
	Action             string    `json:"action"`
	Amount             Int       `json:"amount"`
	VaultAmountBefore  Int       `json:"vault_amount_before"`
	IFSharesBefore     Int       `json:"if_shares_before"`
	IFSharesAfter      Int       `json:"if_shares_after"`
	TotalIFSharesAfter Int       `json:"total_if_shares_after"`
}

func (InsuranceFundStakeRecord) Kind() string { return "insurance_fund_stake" }
