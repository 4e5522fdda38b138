// Package trade provides the HTTP handlers and business logic for the perp
// engine: market orders against the AMM, funding, liquidity, spot
// collateral and insurance staking.
//
// Engine state is fixed point; request and response bodies use
// shopspring/decimal in human units, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/events"
	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/insurance"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/spot"
	"github.com/atmx/perp-engine/internal/store"
)

var (
	// ErrBadRequest is returned for malformed request bodies and parameters.
	ErrBadRequest = errors.New("trade: bad request")

	// ErrExchangePaused is returned for any state change while the exchange
	// is paused.
	ErrExchangePaused = errors.New("trade: exchange paused")

	// ErrOracleInvalid is returned when the oracle cannot be used for the
	// requested action.
	ErrOracleInvalid = errors.New("trade: oracle invalid for action")

	// ErrInsufficientCollateral is returned when a withdrawal or stake
	// exceeds the user's deposit.
	ErrInsufficientCollateral = errors.New("trade: insufficient deposit")
)

// Service handles engine operations. Uses a mutex for serialized
// execution (single-instance): every operation loads, mutates and commits
// its records while holding it.
type Service struct {
	store   store.Store
	oracle  oracle.Source
	limiter *limits.Limiter
	sink    events.Sink
	now     func() time.Time
	mu      sync.Mutex
}

// NewService creates a new trade service.
// Pass nil for sink if events are not needed.
func NewService(st store.Store, src oracle.Source, limiter *limits.Limiter, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Service{
		store:   st,
		oracle:  src,
		limiter: limiter,
		sink:    sink,
		now:     time.Now,
	}
}

// SetClock replaces the wall clock. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) unix() int64 { return s.now().Unix() }

// RunKeeper runs the funding controller on every perp market and accrues
// interest on every spot market each interval until ctx is done.
func (s *Service) RunKeeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.keep(ctx)
		}
	}
}

func (s *Service) keep(ctx context.Context) {
	perps, err := s.store.ListPerpMarkets(ctx)
	if err != nil {
		slog.Error("keeper: list perp markets", "error", err)
		return
	}
	for i := range perps {
		if _, _, err := s.updateFunding(ctx, perps[i].Symbol); err != nil {
			slog.Warn("keeper: funding update failed", "market", perps[i].Symbol, "error", err)
		}
	}
	spots, err := s.store.ListSpotMarkets(ctx)
	if err != nil {
		slog.Error("keeper: list spot markets", "error", err)
		return
	}
	for i := range spots {
		if _, err := s.accrueInterest(ctx, spots[i].Symbol); err != nil {
			slog.Warn("keeper: interest accrual failed", "market", spots[i].Symbol, "error", err)
		}
	}
}

// --- Commit and load helpers ---

// commit persists b and publishes its records once they are durable.
func (s *Service) commit(ctx context.Context, b *store.Batch) error {
	entries, err := s.store.Commit(ctx, b)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ev := events.New(e.Record)
		ev.Seq = e.Seq
		s.sink.Publish(ev)
	}
	return nil
}

func (s *Service) state(ctx context.Context) (*model.State, error) {
	st, err := s.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if st.ExchangePaused {
		return nil, ErrExchangePaused
	}
	return st, nil
}

func (s *Service) perpMarket(ctx context.Context, symbol string) (*model.PerpMarket, error) {
	sym, err := contract.ParsePerpSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return s.store.GetPerpMarketBySymbol(ctx, sym.Raw)
}

func (s *Service) spotMarket(ctx context.Context, symbol string) (*model.SpotMarket, error) {
	sym, err := contract.ParseSpotSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return s.store.GetSpotMarketBySymbol(ctx, sym.Raw)
}

func (s *Service) user(ctx context.Context, r *http.Request) (*model.User, error) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		return nil, fmt.Errorf("%w: user id: %v", ErrBadRequest, err)
	}
	return s.store.GetUser(ctx, id)
}

// userMarkets loads every perp market user holds a position in, with m
// standing in for its own index.
func (s *Service) userMarkets(ctx context.Context, user *model.User, m *model.PerpMarket) (map[uint16]*model.PerpMarket, error) {
	markets := map[uint16]*model.PerpMarket{m.MarketIndex: m}
	for _, p := range user.PerpPositions {
		if _, ok := markets[p.MarketIndex]; ok || p.IsAvailable() {
			continue
		}
		other, err := s.store.GetPerpMarket(ctx, p.MarketIndex)
		if err != nil {
			return nil, err
		}
		markets[p.MarketIndex] = other
	}
	return markets, nil
}

// oracleData reads feed. When the source has nothing, the last observation
// in hist is reused with its age as delay, so the guard rails grade it.
func (s *Service) oracleData(ctx context.Context, feed string, hist model.HistoricalOracleData, now int64) model.OraclePriceData {
	data, err := s.oracle.GetPrice(ctx, feed)
	if err == nil {
		return data
	}
	slog.Warn("oracle unavailable, keeping last price", "feed", feed, "error", err)
	return model.OraclePriceData{
		Price:                   hist.LastOraclePrice,
		Confidence:              hist.LastOracleConf,
		Delay:                   hist.LastOracleDelay + max(0, now-hist.LastOraclePriceTWAPTS),
		HasSufficientDataPoints: true,
	}
}

// refreshOracle folds the current observation of m's feed into its oracle
// TWAPs when it is usable and returns its grade.
func (s *Service) refreshOracle(ctx context.Context, m *model.PerpMarket, st *model.State, now int64) (oracle.Validity, error) {
	data := s.oracleData(ctx, m.OracleFeed, m.AMM.HistoricalOracleData, now)
	v, err := oracle.Assess(m.AMM.HistoricalOracleData.LastOraclePriceTWAP, data, st.OracleGuardRails.Validity)
	if err != nil {
		return oracle.Invalid, err
	}
	if oracle.ValidForAction(v, oracle.UpdateTWAP) {
		reserve, err := amm.ReservePrice(&m.AMM)
		if err != nil {
			return oracle.Invalid, err
		}
		if _, err := amm.UpdateOraclePriceTWAP(&m.AMM, now, data, reserve); err != nil {
			return oracle.Invalid, err
		}
	}
	return v, nil
}

func requireOracle(m *model.PerpMarket, v oracle.Validity, action oracle.Action) error {
	if oracle.ValidForAction(v, action) {
		return nil
	}
	return fmt.Errorf("%w: %s oracle is %s", ErrOracleInvalid, m.Symbol, v)
}

// accrue brings m's interest up to now and appends the record, if any.
func accrue(m *model.SpotMarket, now int64, b *store.Batch) error {
	rec, err := spot.UpdateSpotMarketCumulativeInterest(m, now)
	if err != nil {
		return err
	}
	if rec != nil {
		b.Append(*rec)
	}
	return nil
}

// depositTokens returns the tokens user has deposited in m, zero for a
// borrow or no position.
func depositTokens(user *model.User, m *model.SpotMarket) (fp.Int, error) {
	p, err := user.SpotPosition(m.MarketIndex)
	if err != nil || p.BalanceType != model.Deposit {
		return fp.Zero, nil
	}
	return spot.GetTokenAmount(p.ScaledBalance, m, model.Deposit)
}

// tokenValue is tokens of m in QUOTE precision at its last oracle price.
func tokenValue(tokens fp.Int, m *model.SpotMarket) (fp.Int, error) {
	scale, err := fp.Pow10(m.Decimals)
	if err != nil {
		return fp.Zero, err
	}
	return fp.W(tokens).Mul(m.HistoricalOracleData.LastOraclePrice).Div(scale).Result()
}

// refreshSpotPrice records the current observation of m's feed when one
// is available.
func (s *Service) refreshSpotPrice(ctx context.Context, m *model.SpotMarket, now int64) {
	data, err := s.oracle.GetPrice(ctx, m.OracleFeed)
	if err != nil || !data.Price.IsPositive() {
		return
	}
	hist := &m.HistoricalOracleData
	hist.LastOraclePrice = data.Price
	hist.LastOracleConf = data.Confidence
	hist.LastOracleDelay = data.Delay
	if twap, err := fp.NewTWAP(data.Price, now, hist.LastOraclePriceTWAP, hist.LastOraclePriceTWAPTS, fp.OneHour); err == nil {
		hist.LastOraclePriceTWAP = twap
		hist.LastOraclePriceTWAPTS = now
	}
}

// --- Request helpers ---

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", ErrBadRequest, err)
	}
	return nil
}

// toFixed converts a human amount to precision 10^exp.
func toFixed(field string, d decimal.Decimal, exp int32) (fp.Int, error) {
	if !d.IsPositive() {
		return fp.Zero, fmt.Errorf("%w: %s must be positive", ErrBadRequest, field)
	}
	v, err := fp.FromDecimal(d, exp)
	if err != nil {
		return fp.Zero, fmt.Errorf("%w: %s: %v", ErrBadRequest, field, err)
	}
	if !v.IsPositive() {
		return fp.Zero, fmt.Errorf("%w: %s below smallest unit", ErrBadRequest, field)
	}
	return v, nil
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrBadRequest, key, err)
	}
	return n, nil
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps err onto a status: missing records 404, bad input 400,
// domain limits 422, broken invariants 409 and anything else 500.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError || status == http.StatusConflict {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, err.Error(), status)
}

var (
	notFound = []error{store.ErrNotFound, model.ErrPositionNotFound, oracle.ErrFeedNotFound}

	badRequest = []error{
		ErrBadRequest, contract.ErrInvalidSymbol, contract.ErrWrongKind,
		position.ErrInvalidAmount, position.ErrStepSize, insurance.ErrInvalidAmount,
	}

	domainLimits = []error{
		ErrExchangePaused, ErrOracleInvalid, ErrInsufficientCollateral,
		amm.ErrTradeSizeTooLarge, amm.ErrInvalidUpdateK, amm.ErrInvalidOracle,
		position.ErrMarketNotActive, position.ErrReduceOnly, position.ErrInsufficientLPShares,
		limits.ErrFillTooLarge, limits.ErrOpenInterestExceeded, limits.ErrPositionLimitExceeded,
		spot.ErrDailyWithdrawLimit, spot.ErrRevenueSettle,
		insurance.ErrUnstakingPeriod, insurance.ErrInsufficientShares,
		insurance.ErrRequestInProgress, insurance.ErrNoRequest,
		model.ErrNoPositionSlot, model.ErrInsufficientVaultBalance,
		funding.ErrFeePoolExhausted,
	}

	invariants = []error{
		amm.ErrInvalidSpread, amm.ErrInvariant, position.ErrInvalidPositionLastFundingRate,
		spot.ErrBalanceInvariant, spot.ErrVaultInvariant, spot.ErrInvalidMarket,
		insurance.ErrInvariant, insurance.ErrInvalidRebase, funding.ErrUnknownMarket,
	}
)

func statusFor(err error) int {
	for _, c := range []struct {
		errs   []error
		status int
	}{
		{notFound, http.StatusNotFound},
		{badRequest, http.StatusBadRequest},
		{domainLimits, http.StatusUnprocessableEntity},
		{invariants, http.StatusConflict},
	} {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status
			}
		}
	}
	return http.StatusInternalServerError
}
