package trade

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/amm"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/insurance"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/spot"
)

// Decimal exponents of the engine's fixed-point precisions.
const (
	priceExp   = 6 // PRICE
	quoteExp   = 6 // QUOTE
	baseExp    = 9 // BASE and AMM_RESERVE
	spreadExp  = 6 // BID_ASK_SPREAD
	fundingExp = 9 // FUNDING_RATE, per unit of PRICE
)

// PerpMarketView is the public summary of a perp market.
type PerpMarketView struct {
	MarketIndex        uint16             `json:"market_index"`
	Symbol             string             `json:"symbol"`
	Status             model.MarketStatus `json:"status"`
	OraclePrice        decimal.Decimal    `json:"oracle_price"`
	OracleTWAP         decimal.Decimal    `json:"oracle_twap"`
	ReservePrice       decimal.Decimal    `json:"reserve_price"`
	BidPrice           decimal.Decimal    `json:"bid_price"`
	AskPrice           decimal.Decimal    `json:"ask_price"`
	MarkTWAP           decimal.Decimal    `json:"mark_twap"`
	LongSpread         decimal.Decimal    `json:"long_spread"`
	ShortSpread        decimal.Decimal    `json:"short_spread"`
	LastFundingRate    decimal.Decimal    `json:"last_funding_rate"`
	LastFundingRateTS  int64              `json:"last_funding_rate_ts"`
	NetBaseAssetAmount decimal.Decimal    `json:"net_base_asset_amount"`
	OpenInterest       decimal.Decimal    `json:"open_interest"`
	MaxOpenInterest    decimal.Decimal    `json:"max_open_interest"`
	SqrtK              decimal.Decimal    `json:"sqrt_k"`
	UserLPShares       decimal.Decimal    `json:"user_lp_shares"`
	StepSize           decimal.Decimal    `json:"step_size"`
	FeePool            decimal.Decimal    `json:"fee_pool"`
	PnlPool            decimal.Decimal    `json:"pnl_pool"`
	NumberOfUsers      int64              `json:"number_of_users"`
	AMM                *model.AMM         `json:"amm,omitempty"`
}

func newPerpMarketView(m *model.PerpMarket, detail bool) (PerpMarketView, error) {
	a := &m.AMM
	reserve, err := amm.ReservePrice(a)
	if err != nil {
		return PerpMarketView{}, err
	}
	bid, err := amm.BidPrice(a)
	if err != nil {
		return PerpMarketView{}, err
	}
	ask, err := amm.AskPrice(a)
	if err != nil {
		return PerpMarketView{}, err
	}
	v := PerpMarketView{
		MarketIndex:        m.MarketIndex,
		Symbol:             m.Symbol,
		Status:             m.Status,
		OraclePrice:        a.HistoricalOracleData.LastOraclePrice.Decimal(priceExp),
		OracleTWAP:         a.HistoricalOracleData.LastOraclePriceTWAP.Decimal(priceExp),
		ReservePrice:       reserve.Decimal(priceExp),
		BidPrice:           bid.Decimal(priceExp),
		AskPrice:           ask.Decimal(priceExp),
		MarkTWAP:           a.LastMarkPriceTWAP.Decimal(priceExp),
		LongSpread:         decimal.New(a.LongSpread, -spreadExp),
		ShortSpread:        decimal.New(a.ShortSpread, -spreadExp),
		LastFundingRate:    fundingFraction(a.LastFundingRate, a.HistoricalOracleData.LastOraclePriceTWAP),
		LastFundingRateTS:  a.LastFundingRateTS,
		NetBaseAssetAmount: a.NetBaseAssetAmount.Decimal(baseExp),
		OpenInterest:       m.OpenInterest().Decimal(baseExp),
		MaxOpenInterest:    m.MaxOpenInterest.Decimal(baseExp),
		SqrtK:              a.SqrtK.Decimal(baseExp),
		UserLPShares:       a.UserLPShares.Decimal(baseExp),
		StepSize:           a.BaseAssetAmountStepSize.Decimal(baseExp),
		FeePool:            a.TotalFeeMinusDistributions.Decimal(quoteExp),
		PnlPool:            m.PnlPool.Balance().Decimal(quoteExp),
		NumberOfUsers:      m.NumberOfUsers,
	}
	if detail {
		v.AMM = a
	}
	return v, nil
}

// fundingFraction is a FUNDING_RATE amount as a fraction of the oracle TWAP.
func fundingFraction(rate, oracleTWAP fp.Int) decimal.Decimal {
	if !oracleTWAP.IsPositive() {
		return decimal.Zero
	}
	return rate.Decimal(fundingExp).Div(oracleTWAP.Decimal(priceExp))
}

// PositionView is a perp position in human units.
type PositionView struct {
	MarketIndex      uint16          `json:"market_index"`
	Symbol           string          `json:"symbol,omitempty"`
	Direction        string          `json:"direction"`
	BaseAssetAmount  decimal.Decimal `json:"base_asset_amount"`
	QuoteAssetAmount decimal.Decimal `json:"quote_asset_amount"`
	QuoteEntryAmount decimal.Decimal `json:"quote_entry_amount"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	SettledPnl       decimal.Decimal `json:"settled_pnl"`
	LPShares         decimal.Decimal `json:"lp_shares"`
}

func newPositionView(p *model.PerpPosition, m *model.PerpMarket) (PositionView, error) {
	v := PositionView{
		MarketIndex:      p.MarketIndex,
		Direction:        p.Direction().String(),
		BaseAssetAmount:  p.BaseAssetAmount.Decimal(baseExp),
		QuoteAssetAmount: p.QuoteAssetAmount.Decimal(quoteExp),
		QuoteEntryAmount: p.QuoteEntryAmount.Decimal(quoteExp),
		SettledPnl:       p.SettledPnl.Decimal(quoteExp),
		LPShares:         p.LPShares.Decimal(baseExp),
	}
	if p.BaseAssetAmount.IsZero() {
		v.Direction = ""
	} else {
		v.EntryPrice = v.QuoteEntryAmount.Div(v.BaseAssetAmount).Abs().Round(priceExp)
	}
	if m == nil {
		return v, nil
	}
	v.Symbol = m.Symbol
	pnl, err := position.CalculateUnrealizedPnl(p, m, m.AMM.HistoricalOracleData.LastOraclePrice)
	if err != nil {
		return PositionView{}, err
	}
	v.UnrealizedPnl = pnl.Decimal(quoteExp)
	return v, nil
}

// SpotBalanceView is a spot position in token units.
type SpotBalanceView struct {
	MarketIndex        uint16          `json:"market_index"`
	Symbol             string          `json:"symbol,omitempty"`
	BalanceType        string          `json:"balance_type"`
	Tokens             decimal.Decimal `json:"tokens"`
	CumulativeDeposits decimal.Decimal `json:"cumulative_deposits"`
}

func newSpotBalanceView(p *model.SpotPosition, m *model.SpotMarket) (SpotBalanceView, error) {
	tokens, err := spot.GetTokenAmount(p.ScaledBalance, m, p.BalanceType)
	if err != nil {
		return SpotBalanceView{}, err
	}
	exp := int32(m.Decimals)
	return SpotBalanceView{
		MarketIndex:        p.MarketIndex,
		Symbol:             m.Symbol,
		BalanceType:        p.BalanceType.String(),
		Tokens:             tokens.Decimal(exp),
		CumulativeDeposits: p.CumulativeDeposits.Decimal(exp),
	}, nil
}

// UserView is a user with their open positions.
type UserView struct {
	ID             uuid.UUID         `json:"id"`
	Authority      string            `json:"authority"`
	PerpPositions  []PositionView    `json:"perp_positions"`
	SpotPositions  []SpotBalanceView `json:"spot_positions"`
	TotalDeposits  decimal.Decimal   `json:"total_deposits"`
	TotalWithdraws decimal.Decimal   `json:"total_withdraws"`
	SettledPerpPnl decimal.Decimal   `json:"settled_perp_pnl"`
	TotalFeePaid   decimal.Decimal   `json:"total_fee_paid"`
	CreatedAt      time.Time         `json:"created_at"`
}

func newUserView(u *model.User, perps map[uint16]*model.PerpMarket, spots map[uint16]*model.SpotMarket) (UserView, error) {
	v := UserView{
		ID:             u.ID,
		Authority:      u.Authority,
		PerpPositions:  []PositionView{},
		SpotPositions:  []SpotBalanceView{},
		TotalDeposits:  u.TotalDeposits.Decimal(quoteExp),
		TotalWithdraws: u.TotalWithdraws.Decimal(quoteExp),
		SettledPerpPnl: u.SettledPerpPnl.Decimal(quoteExp),
		TotalFeePaid:   u.TotalFeePaid.Decimal(quoteExp),
		CreatedAt:      u.CreatedAt,
	}
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.IsAvailable() {
			continue
		}
		pv, err := newPositionView(p, perps[p.MarketIndex])
		if err != nil {
			return UserView{}, err
		}
		v.PerpPositions = append(v.PerpPositions, pv)
	}
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		m, ok := spots[p.MarketIndex]
		if p.IsAvailable() || !ok {
			continue
		}
		sv, err := newSpotBalanceView(p, m)
		if err != nil {
			return UserView{}, err
		}
		v.SpotPositions = append(v.SpotPositions, sv)
	}
	return v, nil
}

// SpotMarketView is the public summary of a spot market.
type SpotMarketView struct {
	MarketIndex        uint16          `json:"market_index"`
	Symbol             string          `json:"symbol"`
	Decimals           uint32          `json:"decimals"`
	OraclePrice        decimal.Decimal `json:"oracle_price"`
	Deposits           decimal.Decimal `json:"deposits"`
	Borrows            decimal.Decimal `json:"borrows"`
	Utilization        decimal.Decimal `json:"utilization"`
	BorrowRate         decimal.Decimal `json:"borrow_rate"`
	Vault              decimal.Decimal `json:"vault"`
	InsuranceFundVault decimal.Decimal `json:"insurance_fund_vault"`
	RevenuePool        decimal.Decimal `json:"revenue_pool"`
	LastInterestTS     int64           `json:"last_interest_ts"`
}

func newSpotMarketView(m *model.SpotMarket) (SpotMarketView, error) {
	exp := int32(m.Decimals)
	deposits, err := spot.GetTokenAmount(m.DepositBalance, m, model.Deposit)
	if err != nil {
		return SpotMarketView{}, err
	}
	borrows, err := spot.GetTokenAmount(m.BorrowBalance, m, model.Borrow)
	if err != nil {
		return SpotMarketView{}, err
	}
	revenue, err := spot.GetTokenAmount(m.RevenuePool.ScaledBalance, m, model.Deposit)
	if err != nil {
		return SpotMarketView{}, err
	}
	utilization, err := spot.CalculateUtilization(deposits, borrows)
	if err != nil {
		return SpotMarketView{}, err
	}
	rate, err := spot.CalculateBorrowRate(m, utilization)
	if err != nil {
		return SpotMarketView{}, err
	}
	return SpotMarketView{
		MarketIndex:        m.MarketIndex,
		Symbol:             m.Symbol,
		Decimals:           m.Decimals,
		OraclePrice:        m.HistoricalOracleData.LastOraclePrice.Decimal(priceExp),
		Deposits:           deposits.Decimal(exp),
		Borrows:            borrows.Decimal(exp),
		Utilization:        utilization.Decimal(6),
		BorrowRate:         rate.Decimal(6),
		Vault:              m.Vault.Balance().Decimal(exp),
		InsuranceFundVault: m.InsuranceFund.Vault.Balance().Decimal(exp),
		RevenuePool:        revenue.Decimal(exp),
		LastInterestTS:     m.LastInterestTS,
	}, nil
}

// StakeView is a user's insurance fund stake valued at the current vault.
type StakeView struct {
	UserID         uuid.UUID       `json:"user_id"`
	MarketIndex    uint16          `json:"market_index"`
	Symbol         string          `json:"symbol"`
	IFShares       fp.Int          `json:"if_shares"`
	Value          decimal.Decimal `json:"value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	PendingValue   decimal.Decimal `json:"pending_withdraw_value"`
	PendingSince   int64           `json:"pending_withdraw_ts,omitempty"`
	UnstakeAfterTS int64           `json:"unstake_after_ts,omitempty"`
}

func newStakeView(s *model.InsuranceFundStake, m *model.SpotMarket) (StakeView, error) {
	exp := int32(m.Decimals)
	value := fp.Zero
	if total := m.InsuranceFund.TotalShares; total.IsPositive() && s.IFBase == m.InsuranceFund.SharesBase {
		var err error
		if value, err = insurance.IFSharesToVaultAmount(s.IFShares, total, m.InsuranceFund.Vault.Balance()); err != nil {
			return StakeView{}, err
		}
	}
	v := StakeView{
		UserID:       s.UserID,
		MarketIndex:  s.MarketIndex,
		Symbol:       m.Symbol,
		IFShares:     s.IFShares,
		Value:        value.Decimal(exp),
		CostBasis:    s.CostBasis.Decimal(exp),
		PendingValue: s.LastWithdrawRequestValue.Decimal(exp),
	}
	if s.HasPendingRequest() {
		v.PendingSince = s.LastWithdrawRequestTS
		v.UnstakeAfterTS = s.LastWithdrawRequestTS + m.InsuranceFund.UnstakingPeriod
	}
	return v, nil
}
