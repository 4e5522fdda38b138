package trade

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/spot"
	"github.com/atmx/perp-engine/internal/store"
)

// Deposit record directions.
const (
	DirectionDeposit  = "deposit"
	DirectionWithdraw = "withdraw"
)

// TransferRequest is the body of deposits and withdrawals. Amount is in
// tokens of the named spot market.
type TransferRequest struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
	// AllowBorrow lets a withdrawal go past the deposit into a borrow.
	AllowBorrow bool `json:"allow_borrow,omitempty"`
}

// ListSpotMarkets handles GET /spot/markets.
func (s *Service) ListSpotMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListSpotMarkets(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	views := make([]SpotMarketView, 0, len(markets))
	for i := range markets {
		v, err := newSpotMarketView(&markets[i])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetSpotMarket handles GET /spot/markets/{symbol}.
func (s *Service) GetSpotMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.spotMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v, err := newSpotMarketView(m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Deposit handles POST /users/{userID}/spot/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, DirectionDeposit)
}

// Withdraw handles POST /users/{userID}/spot/withdraw. Withdrawals past the
// user's deposit need allow_borrow and must keep the market inside its
// withdraw limits.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, DirectionWithdraw)
}

func (s *Service) transfer(w http.ResponseWriter, r *http.Request, direction string) {
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	rec, balance, err := s.applyTransfer(ctx, r, req, direction)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deposit": rec, "balance": balance})
}

func (s *Service) applyTransfer(ctx context.Context, r *http.Request, req TransferRequest, direction string) (*model.DepositRecord, *SpotBalanceView, error) {
	if _, err := s.state(ctx); err != nil {
		return nil, nil, err
	}
	user, err := s.user(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.spotMarket(ctx, req.Symbol)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := toFixed("amount", req.Amount, int32(m.Decimals))
	if err != nil {
		return nil, nil, err
	}
	now := s.unix()

	var b store.Batch
	if err := accrue(m, now, &b); err != nil {
		return nil, nil, err
	}
	s.refreshSpotPrice(ctx, m, now)
	value, err := tokenValue(tokens, m)
	if err != nil {
		return nil, nil, err
	}

	if direction == DirectionDeposit {
		if err := spot.UpdateSpotBalancesAndCumulativeDepositsWithLimits(tokens, model.Deposit, m, user, false); err != nil {
			return nil, nil, err
		}
		if err := m.Vault.Receive(tokens); err != nil {
			return nil, nil, err
		}
		if user.TotalDeposits, err = fp.C(user.TotalDeposits).Add(value).Result(); err != nil {
			return nil, nil, err
		}
	} else {
		if !req.AllowBorrow {
			held, err := depositTokens(user, m)
			if err != nil {
				return nil, nil, err
			}
			if tokens.Gt(held) {
				return nil, nil, fmt.Errorf("%w: withdraw %s of %s", ErrInsufficientCollateral, tokens, held)
			}
		}
		if err := spot.UpdateSpotBalancesAndCumulativeDepositsWithLimits(tokens, model.Borrow, m, user, false); err != nil {
			return nil, nil, err
		}
		if err := m.Vault.Send(tokens); err != nil {
			return nil, nil, err
		}
		if user.TotalWithdraws, err = fp.C(user.TotalWithdraws).Add(value).Result(); err != nil {
			return nil, nil, err
		}
	}
	if _, err := spot.ValidateSpotMarketVaultAmount(m, m.Vault.Balance()); err != nil {
		return nil, nil, err
	}

	rec := model.DepositRecord{
		TS:          now,
		UserID:      user.ID,
		MarketIndex: m.MarketIndex,
		Direction:   direction,
		Amount:      tokens,
		OraclePrice: m.HistoricalOracleData.LastOraclePrice,
	}
	b.PutUser(user)
	b.PutSpotMarket(m)
	b.Append(rec)
	if err := s.commit(ctx, &b); err != nil {
		return nil, nil, err
	}
	slog.Info("spot transfer", "user_id", user.ID, "market", m.Symbol, "direction", direction, "amount", tokens)

	var balance *SpotBalanceView
	if p, err := user.SpotPosition(m.MarketIndex); err == nil {
		v, err := newSpotBalanceView(p, m)
		if err != nil {
			return nil, nil, err
		}
		balance = &v
	}
	return &rec, balance, nil
}

// AccrueInterest handles POST /spot/markets/{symbol}/accrue.
func (s *Service) AccrueInterest(w http.ResponseWriter, r *http.Request) {
	m, err := s.accrueInterest(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v, err := newSpotMarketView(m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) accrueInterest(ctx context.Context, symbol string) (*model.SpotMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.spotMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rec, err := spot.UpdateSpotMarketCumulativeInterest(m, s.unix())
	if err != nil {
		return nil, err
	}
	var b store.Batch
	b.PutSpotMarket(m)
	if rec != nil {
		b.Append(*rec)
		metrics.InterestAccruals.WithLabelValues(m.Symbol).Inc()
		metrics.SpotUtilization.WithLabelValues(m.Symbol).Set(rec.Utilization.Decimal(6).InexactFloat64())
	}
	if err := s.commit(ctx, &b); err != nil {
		return nil, err
	}
	return m, nil
}

// SettleRevenue handles POST /spot/markets/{symbol}/settle-revenue, moving the
// revenue pool into the insurance fund once its settle period has passed.
func (s *Service) SettleRevenue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := r.Context()
	m, err := s.spotMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	now := s.unix()
	var b store.Batch
	if err := accrue(m, now, &b); err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := spot.SettleRevenue(m, now)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	b.PutSpotMarket(m)
	b.Append(rec)
	if err := s.commit(ctx, &b); err != nil {
		writeErr(w, r, err)
		return
	}
	metrics.InsuranceSettlements.WithLabelValues(m.Symbol).Inc()
	slog.Info("revenue settled", "market", m.Symbol, "amount", rec.Amount)
	writeJSON(w, http.StatusOK, map[string]any{"insurance_fund": rec, "amount": rec.Amount.Decimal(int32(m.Decimals))})
}
