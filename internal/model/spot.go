package model

import (
	"errors"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/fixedpoint"
)

// ErrInsufficientVaultBalance is returned when a vault cannot cover a send.
var ErrInsufficientVaultBalance = errors.New("model: insufficient vault balance")

// TokenAccount is a custody balance in token units. It is the engine's
// token vault: value moves in with Receive and out with Send.
type TokenAccount struct {
	Amount Int `json:"amount"`
}

// Balance returns the current token amount.
func (a *TokenAccount) Balance() Int { return a.Amount }

// Receive credits amount to the account.
func (a *TokenAccount) Receive(amount Int) error {
	v, err := fixedpoint.C(a.Amount).Add(amount).Result()
	if err != nil {
		return err
	}
	a.Amount = v
	return nil
}

// Send debits amount from the account.
func (a *TokenAccount) Send(amount Int) error {
	if amount.Gt(a.Amount) {
		return ErrInsufficientVaultBalance
	}
	v, err := fixedpoint.C(a.Amount).Sub(amount).Result()
	if err != nil {
		return err
	}
	a.Amount = v
	return nil
}

// SpotBalance is a scaled balance in SPOT_BALANCE precision. Token
// amounts are recovered through the market's cumulative interest.
type SpotBalance struct {
	ScaledBalance Int             `json:"scaled_balance"`
	BalanceType   SpotBalanceType `json:"balance_type"`
}

// InsuranceFund is the share ledger of a spot market's insurance vault.
type InsuranceFund struct {
	TotalShares         Int          `json:"total_shares"`
	UserShares          Int          `json:"user_shares"`
	SharesBase          uint32       `json:"shares_base"`
	UnstakingPeriod     int64        `json:"unstaking_period"`
	RevenueSettlePeriod int64        `json:"revenue_settle_period"`
	LastRevenueSettleTS int64        `json:"last_revenue_settle_ts"`
	TotalFactor         Int          `json:"total_factor"`
	UserFactor          Int          `json:"user_factor"`
	Vault               TokenAccount `json:"vault"`
}

// SpotMarket is a collateral asset with interest-bearing balances.
type SpotMarket struct {
	MarketIndex uint16 `json:"market_index"`
	Symbol      string `json:"symbol"`
	Decimals    uint32 `json:"decimals"`
	OracleFeed  string `json:"oracle_feed"`

	// Scaled balances, SPOT_BALANCE precision.
	DepositBalance Int `json:"deposit_balance"`
	BorrowBalance  Int `json:"borrow_balance"`

	// SPOT_CUMULATIVE_INTEREST precision.
	CumulativeDepositInterest Int `json:"cumulative_deposit_interest"`
	CumulativeBorrowInterest  Int `json:"cumulative_borrow_interest"`

	// Token amounts and utilization in SPOT_UTILIZATION precision.
	DepositTokenTWAP Int   `json:"deposit_token_twap"`
	BorrowTokenTWAP  Int   `json:"borrow_token_twap"`
	UtilizationTWAP  Int   `json:"utilization_twap"`
	LastInterestTS   int64 `json:"last_interest_ts"`
	LastTWAPTS       int64 `json:"last_twap_ts"`

	// Rate curve knots, SPOT_UTILIZATION and SPOT_RATE precision.
	OptimalUtilization Int `json:"optimal_utilization"`
	OptimalBorrowRate  Int `json:"optimal_borrow_rate"`
	MaxBorrowRate      Int `json:"max_borrow_rate"`

	WithdrawGuardThreshold Int                  `json:"withdraw_guard_threshold"`
	RevenuePool            SpotBalance          `json:"revenue_pool"`
	InsuranceFund          InsuranceFund        `json:"insurance_fund"`
	Vault                  TokenAccount         `json:"vault"`
	HistoricalOracleData   HistoricalOracleData `json:"historical_oracle_data"`
}

// PrecisionIncrease converts token units to SPOT_BALANCE precision math:
// 10^(19 - decimals).
func (m *SpotMarket) PrecisionIncrease() (Int, error) {
	return fixedpoint.Pow10(19 - m.Decimals)
}

// CumulativeInterest returns the multiplier for balances of type t.
func (m *SpotMarket) CumulativeInterest(t SpotBalanceType) Int {
	if t == Borrow {
		return m.CumulativeBorrowInterest
	}
	return m.CumulativeDepositInterest
}

// SpotPosition is a user's scaled balance in one spot market.
type SpotPosition struct {
	MarketIndex uint16 `json:"market_index"`
	SpotBalance
	// CumulativeDeposits is net tokens deposited, TOKEN precision.
	CumulativeDeposits Int `json:"cumulative_deposits"`
}

// IsAvailable reports whether the slot holds nothing.
func (p *SpotPosition) IsAvailable() bool {
	return p.ScaledBalance.IsZero() && p.CumulativeDeposits.IsZero()
}

// InsuranceFundStake is one user's stake in a market's insurance fund.
type InsuranceFundStake struct {
	UserID                    uuid.UUID `json:"user_id"`
	MarketIndex               uint16    `json:"market_index"`
	IFShares                  Int       `json:"if_shares"`
	IFBase                    uint32    `json:"if_base"`
	LastWithdrawRequestShares Int       `json:"last_withdraw_request_shares"`
	LastWithdrawRequestValue  Int       `json:"last_withdraw_request_value"`
	LastWithdrawRequestTS     int64     `json:"last_withdraw_request_ts"`
	LastValidTS               int64     `json:"last_valid_ts"`
	CostBasis                 Int       `json:"cost_basis"`
}

// HasPendingRequest reports whether a withdrawal request is in flight.
func (s *InsuranceFundStake) HasPendingRequest() bool {
	return !s.LastWithdrawRequestShares.IsZero()
}
