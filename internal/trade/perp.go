package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/config"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
)

// OrderRequest is the body of POST /users/{userID}/perp/orders.
type OrderRequest struct {
	Symbol          string                   `json:"symbol"`
	Direction       *model.PositionDirection `json:"direction"`
	BaseAssetAmount decimal.Decimal          `json:"base_asset_amount"`
}

// TradeResponse is returned for every fill.
type TradeResponse struct {
	Trade      model.TradeRecord            `json:"trade"`
	FillPrice  decimal.Decimal              `json:"fill_price"`
	Position   PositionView                 `json:"position"`
	FundingDue []model.FundingPaymentRecord `json:"funding_payments,omitempty"`
}

// ListPerpMarkets handles GET /perp/markets.
func (s *Service) ListPerpMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListPerpMarkets(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	views := make([]PerpMarketView, 0, len(markets))
	for i := range markets {
		v, err := newPerpMarketView(&markets[i], false)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPerpMarket handles GET /perp/markets/{symbol}.
func (s *Service) GetPerpMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.perpMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v, err := newPerpMarketView(m, r.URL.Query().Get("detail") == "true")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// PlaceOrder handles POST /users/{userID}/perp/orders: a market order filled
// entirely against the AMM.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Direction == nil {
		writeErr(w, r, fmt.Errorf("%w: direction is required", ErrBadRequest))
		return
	}
	base, err := toFixed("base_asset_amount", req.BaseAssetAmount, baseExp)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	user, err := s.user(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := s.perpMarket(ctx, req.Symbol)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp, err := s.fill(ctx, user, m, base, *req.Direction)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ClosePosition handles POST /users/{userID}/perp/{symbol}/close by
// filling the whole position's base in the opposite direction.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	user, err := s.user(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := s.perpMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := user.PerpPosition(m.MarketIndex)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if p.BaseAssetAmount.IsZero() {
		writeErr(w, r, fmt.Errorf("%w: no base in %s", model.ErrPositionNotFound, m.Symbol))
		return
	}
	resp, err := s.fill(ctx, user, m, p.BaseAssetAmount.Abs(), p.Direction().Opposite())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fill settles user's funding, checks limits and fills base against m.
// Callers hold s.mu.
func (s *Service) fill(ctx context.Context, user *model.User, m *model.PerpMarket, base fp.Int, dir model.PositionDirection) (*TradeResponse, error) {
	start := time.Now()
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	now := s.unix()

	v, err := s.refreshOracle(ctx, m, st, now)
	if err != nil {
		return nil, err
	}
	if err := requireOracle(m, v, oracle.FillAMM); err != nil {
		return nil, err
	}

	markets, err := s.userMarkets(ctx, user, m)
	if err != nil {
		return nil, err
	}
	payments, err := funding.SettleFundingPayment(user, markets, now)
	if err != nil {
		return nil, err
	}

	held := fp.Zero
	if p, err := user.PerpPosition(m.MarketIndex); err == nil {
		held = p.BaseAssetAmount
	}
	if err := s.limiter.CheckFill(m, held, base, dir); err != nil {
		metrics.LimitRejections.WithLabelValues(m.Symbol, limitReason(err)).Inc()
		return nil, err
	}

	rec, err := position.FillWithAMM(user, m, base, dir, st.PerpFeeStructure.Tier(0), now)
	if err != nil {
		return nil, err
	}

	var b store.Batch
	b.PutUser(user)
	for _, mk := range markets {
		b.PutPerpMarket(mk)
	}
	for _, p := range payments {
		b.Append(p)
	}
	b.Append(rec)
	if err := s.commit(ctx, &b); err != nil {
		return nil, err
	}

	pv := PositionView{MarketIndex: m.MarketIndex, Symbol: m.Symbol}
	if p, err := user.PerpPosition(m.MarketIndex); err == nil {
		if pv, err = newPositionView(p, m); err != nil {
			return nil, err
		}
	}
	fillPrice := rec.QuoteAssetAmount.Decimal(quoteExp).Div(rec.BaseAssetAmount.Decimal(baseExp)).Round(priceExp)

	metrics.TradesTotal.WithLabelValues(m.Symbol, dir.String()).Inc()
	metrics.TradeNotional.WithLabelValues(m.Symbol).Add(rec.QuoteAssetAmount.Decimal(quoteExp).InexactFloat64())
	metrics.TradeLatency.WithLabelValues(m.Symbol).Observe(time.Since(start).Seconds())
	observeSpreads(m)

	slog.Info("perp fill",
		"user_id", user.ID,
		"market", m.Symbol,
		"direction", dir,
		"base", rec.BaseAssetAmount,
		"quote", rec.QuoteAssetAmount,
		"fee", rec.Fee,
		"fill_price", fillPrice,
	)
	return &TradeResponse{Trade: rec, FillPrice: fillPrice, Position: pv, FundingDue: payments}, nil
}

func limitReason(err error) string {
	switch {
	case errors.Is(err, limits.ErrFillTooLarge):
		return "fill_too_large"
	case errors.Is(err, limits.ErrOpenInterestExceeded):
		return "open_interest"
	case errors.Is(err, limits.ErrPositionLimitExceeded):
		return "position_limit"
	}
	return "other"
}

func observeSpreads(m *model.PerpMarket) {
	metrics.Spread.WithLabelValues(m.Symbol, "long").Set(decimal.New(m.AMM.LongSpread, -spreadExp).InexactFloat64())
	metrics.Spread.WithLabelValues(m.Symbol, "short").Set(decimal.New(m.AMM.ShortSpread, -spreadExp).InexactFloat64())
}

// SettleFunding handles POST /users/{userID}/perp/settle-funding for
// every market the user holds a position in.
func (s *Service) SettleFunding(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	user, err := s.user(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	markets := make(map[uint16]*model.PerpMarket)
	for _, p := range user.PerpPositions {
		if p.IsAvailable() {
			continue
		}
		m, err := s.store.GetPerpMarket(ctx, p.MarketIndex)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		markets[p.MarketIndex] = m
	}
	payments, err := funding.SettleFundingPayment(user, markets, s.unix())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if len(payments) > 0 {
		var b store.Batch
		b.PutUser(user)
		for _, m := range markets {
			b.PutPerpMarket(m)
		}
		for _, p := range payments {
			b.Append(p)
		}
		if err := s.commit(ctx, &b); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"funding_payments": payments})
}

// SettlePnl handles POST /users/{userID}/perp/{symbol}/settle-pnl: the
// position's pnl at the oracle moves into the user's quote balance.
func (s *Service) SettlePnl(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	rec, err := s.settlePnl(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settle_pnl": rec, "pnl": rec.Pnl.Decimal(quoteExp)})
}

func (s *Service) settlePnl(ctx context.Context, r *http.Request) (*model.SettlePnlRecord, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	user, err := s.user(ctx, r)
	if err != nil {
		return nil, err
	}
	m, err := s.perpMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		return nil, err
	}
	quote, err := s.store.GetSpotMarket(ctx, config.QuoteSpotMarketIndex)
	if err != nil {
		return nil, err
	}
	now := s.unix()

	v, err := s.refreshOracle(ctx, m, st, now)
	if err != nil {
		return nil, err
	}
	if err := requireOracle(m, v, oracle.SettlePnl); err != nil {
		return nil, err
	}
	markets, err := s.userMarkets(ctx, user, m)
	if err != nil {
		return nil, err
	}
	payments, err := funding.SettleFundingPayment(user, markets, now)
	if err != nil {
		return nil, err
	}

	var b store.Batch
	if err := accrue(quote, now, &b); err != nil {
		return nil, err
	}
	rec, err := position.SettlePnl(user, m, quote, m.AMM.HistoricalOracleData.LastOraclePrice, now)
	if err != nil {
		return nil, err
	}

	b.PutUser(user)
	b.PutSpotMarket(quote)
	for _, mk := range markets {
		b.PutPerpMarket(mk)
	}
	for _, p := range payments {
		b.Append(p)
	}
	b.Append(rec)
	if err := s.commit(ctx, &b); err != nil {
		return nil, err
	}
	slog.Info("pnl settled", "user_id", user.ID, "market", m.Symbol, "pnl", rec.Pnl)
	return &rec, nil
}

// LiquidityRequest is the body of POST /users/{userID}/perp/{symbol}/lp.
type LiquidityRequest struct {
	Action string          `json:"action"`
	Shares decimal.Decimal `json:"shares"`
}

// Liquidity actions.
const (
	LPAdd    = "add"
	LPRemove = "remove"
	LPSettle = "settle"
)

// UpdateLiquidity handles POST /users/{userID}/perp/{symbol}/lp: minting
// or burning LP shares, which moves sqrt_k, or settling accrued LP
// position into the user's base and quote.
func (s *Service) UpdateLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	shares := fp.Zero
	switch req.Action {
	case LPAdd, LPRemove:
		var err error
		if shares, err = toFixed("shares", req.Shares, baseExp); err != nil {
			writeErr(w, r, err)
			return
		}
	case LPSettle:
	default:
		writeErr(w, r, fmt.Errorf("%w: unknown lp action %q", ErrBadRequest, req.Action))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	lp, err := s.updateLiquidity(ctx, r, req.Action, shares)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lp)
}

func (s *Service) updateLiquidity(ctx context.Context, r *http.Request, action string, shares fp.Int) (*model.LPRecord, error) {
	st, err := s.state(ctx)
	if err != nil {
		return nil, err
	}
	user, err := s.user(ctx, r)
	if err != nil {
		return nil, err
	}
	m, err := s.perpMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		return nil, err
	}
	now := s.unix()

	v, err := s.refreshOracle(ctx, m, st, now)
	if err != nil {
		return nil, err
	}
	if action != LPSettle {
		if err := requireOracle(m, v, oracle.FillAMM); err != nil {
			return nil, err
		}
	}
	markets, err := s.userMarkets(ctx, user, m)
	if err != nil {
		return nil, err
	}
	payments, err := funding.SettleFundingPayment(user, markets, now)
	if err != nil {
		return nil, err
	}
	p, err := user.ForcePerpPosition(m.MarketIndex)
	if err != nil {
		return nil, err
	}

	before := m.AMM.SqrtK
	var (
		delta model.PositionDelta
		pnl   fp.Int
	)
	switch action {
	case LPAdd:
		delta, pnl, err = position.MintLPShares(p, m, shares)
	case LPRemove:
		delta, pnl, err = position.BurnLPShares(p, m, shares, m.AMM.HistoricalOracleData.LastOraclePrice)
	default:
		delta, pnl, err = position.SettleLPPosition(p, m)
	}
	if err != nil {
		return nil, err
	}

	var b store.Batch
	b.PutUser(user)
	for _, mk := range markets {
		b.PutPerpMarket(mk)
	}
	for _, fr := range payments {
		b.Append(fr)
	}
	lp := model.LPRecord{
		TS:          now,
		UserID:      user.ID,
		MarketIndex: m.MarketIndex,
		Action:      action,
		NShares:     shares,
		Delta:       delta,
		Pnl:         pnl,
	}
	b.Append(lp)
	if m.AMM.SqrtK != before {
		b.Append(model.CurveRecord{
			TS:                 now,
			MarketIndex:        m.MarketIndex,
			SqrtKBefore:        before,
			SqrtKAfter:         m.AMM.SqrtK,
			BaseReserveAfter:   m.AMM.BaseAssetReserve,
			QuoteReserveAfter:  m.AMM.QuoteAssetReserve,
			NetBaseAssetAmount: m.AMM.NetBaseAssetAmount,
			AdjustmentCost:     fp.Zero,
		})
		metrics.KUpdates.WithLabelValues(m.Symbol, "lp").Inc()
	}
	if err := s.commit(ctx, &b); err != nil {
		return nil, err
	}
	slog.Info("lp update", "user_id", user.ID, "market", m.Symbol, "action", action, "shares", shares, "sqrt_k", m.AMM.SqrtK)
	return &lp, nil
}

// FundingResponse is returned by UpdateFunding.
type FundingResponse struct {
	Updated bool           `json:"updated"`
	Market  PerpMarketView `json:"market"`
}

// UpdateFunding handles POST /perp/markets/{symbol}/funding. It is a no-op until
// the market's next funding boundary.
func (s *Service) UpdateFunding(w http.ResponseWriter, r *http.Request) {
	updated, m, err := s.updateFunding(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v, err := newPerpMarketView(m, false)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FundingResponse{Updated: updated, Market: v})
}

func (s *Service) updateFunding(ctx context.Context, symbol string) (bool, *model.PerpMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(ctx)
	if err != nil {
		return false, nil, err
	}
	m, err := s.perpMarket(ctx, symbol)
	if err != nil {
		return false, nil, err
	}
	now := s.unix()
	data := s.oracleData(ctx, m.OracleFeed, m.AMM.HistoricalOracleData, now)

	updated, records, err := funding.UpdateFundingRate(m, data, st, now)
	if err != nil {
		metrics.FundingUpdates.WithLabelValues(m.Symbol, "error").Inc()
		return false, nil, err
	}
	if !updated {
		metrics.FundingUpdates.WithLabelValues(m.Symbol, "skipped").Inc()
		return false, m, nil
	}

	var b store.Batch
	b.PutPerpMarket(m)
	b.Append(records...)
	if err := s.commit(ctx, &b); err != nil {
		return false, nil, err
	}

	metrics.FundingUpdates.WithLabelValues(m.Symbol, "updated").Inc()
	rate := fundingFraction(m.AMM.LastFundingRate, m.AMM.HistoricalOracleData.LastOraclePriceTWAP)
	metrics.FundingRate.WithLabelValues(m.Symbol).Set(rate.InexactFloat64())
	for _, rec := range records {
		if _, ok := rec.(model.CurveRecord); ok {
			metrics.KUpdates.WithLabelValues(m.Symbol, "funding").Inc()
		}
	}
	observeSpreads(m)
	slog.Info("funding updated", "market", m.Symbol, "rate", rate, "ts", m.AMM.LastFundingRateTS)
	return true, m, nil
}
