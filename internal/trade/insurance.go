package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/insurance"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/spot"
	"github.com/atmx/perp-engine/internal/store"
)

// StakeRequest is the body of stake and unstake-request calls, in tokens
// of the spot market.
type StakeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// StakeResponse is returned by every stake action.
type StakeResponse struct {
	Record model.InsuranceFundStakeRecord `json:"record"`
	Stake  StakeView                      `json:"stake"`
}

// GetStake handles GET /users/{userID}/insurance/{symbol}.
func (s *Service) GetStake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := s.user(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := s.spotMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	stake, err := s.stake(ctx, user.ID, m, s.unix())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	v, err := newStakeView(stake, m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Stake handles POST /users/{userID}/insurance/{symbol}/stake. The tokens
// come out of the user's deposit in the same spot market.
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	s.stakeAction(w, r, insurance.ActionStake, req.Amount)
}

// RequestUnstake handles POST /users/{userID}/insurance/{symbol}/request-unstake,
// which starts the unstaking period.
func (s *Service) RequestUnstake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	s.stakeAction(w, r, insurance.ActionUnstakeRequest, req.Amount)
}

// CancelUnstake handles POST /users/{userID}/insurance/{symbol}/cancel-unstake.
func (s *Service) CancelUnstake(w http.ResponseWriter, r *http.Request) {
	s.stakeAction(w, r, insurance.ActionUnstakeCancel, decimal.Zero)
}

// Unstake handles POST /users/{userID}/insurance/{symbol}/unstake. The
// requested value returns to the user's deposit once the unstaking period
// has passed.
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	s.stakeAction(w, r, insurance.ActionUnstake, decimal.Zero)
}

func (s *Service) stakeAction(w http.ResponseWriter, r *http.Request, action string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.applyStakeAction(r.Context(), r, action, amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// stake loads the user's stake in m, or a fresh one.
func (s *Service) stake(ctx context.Context, userID uuid.UUID, m *model.SpotMarket, now int64) (*model.InsuranceFundStake, error) {
	stake, err := s.store.GetInsuranceFundStake(ctx, userID, m.MarketIndex)
	if errors.Is(err, store.ErrNotFound) {
		return &model.InsuranceFundStake{
			UserID:      userID,
			MarketIndex: m.MarketIndex,
			IFBase:      m.InsuranceFund.SharesBase,
			LastValidTS: now,
		}, nil
	}
	return stake, err
}

func (s *Service) applyStakeAction(ctx context.Context, r *http.Request, action string, amount decimal.Decimal) (*StakeResponse, error) {
	if _, err := s.state(ctx); err != nil {
		return nil, err
	}
	user, err := s.user(ctx, r)
	if err != nil {
		return nil, err
	}
	m, err := s.spotMarket(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		return nil, err
	}
	now := s.unix()
	stake, err := s.stake(ctx, user.ID, m, now)
	if err != nil {
		return nil, err
	}

	var b store.Batch
	if err := accrue(m, now, &b); err != nil {
		return nil, err
	}
	vault := m.InsuranceFund.Vault.Balance()

	var rec model.InsuranceFundStakeRecord
	switch action {
	case insurance.ActionStake:
		tokens, err := toFixed("amount", amount, int32(m.Decimals))
		if err != nil {
			return nil, err
		}
		held, err := depositTokens(user, m)
		if err != nil {
			return nil, err
		}
		if tokens.Gt(held) {
			return nil, fmt.Errorf("%w: stake %s of %s", ErrInsufficientCollateral, tokens, held)
		}
		if rec, err = insurance.AddStake(tokens, vault, stake, m, now); err != nil {
			return nil, err
		}
		if err := moveToFund(user, m, tokens); err != nil {
			return nil, err
		}
	case insurance.ActionUnstakeRequest:
		tokens, err := toFixed("amount", amount, int32(m.Decimals))
		if err != nil {
			return nil, err
		}
		if rec, err = insurance.RequestRemove(tokens, vault, stake, m, now); err != nil {
			return nil, err
		}
	case insurance.ActionUnstakeCancel:
		if rec, err = insurance.CancelRequestRemove(vault, stake, m, now); err != nil {
			return nil, err
		}
	case insurance.ActionUnstake:
		var tokens fp.Int
		if tokens, rec, err = insurance.RemoveStake(vault, stake, m, now); err != nil {
			return nil, err
		}
		if err := moveFromFund(user, m, tokens); err != nil {
			return nil, err
		}
	}

	b.PutUser(user)
	b.PutSpotMarket(m)
	b.PutStake(stake)
	b.Append(rec)
	if err := s.commit(ctx, &b); err != nil {
		return nil, err
	}
	slog.Info("insurance stake", "user_id", user.ID, "market", m.Symbol, "action", action, "amount", rec.Amount)

	v, err := newStakeView(stake, m)
	if err != nil {
		return nil, err
	}
	return &StakeResponse{Record: rec, Stake: v}, nil
}

// moveToFund takes tokens from user's deposit in m into m's insurance vault.
func moveToFund(user *model.User, m *model.SpotMarket, tokens fp.Int) error {
	p, err := user.ForceSpotPosition(m.MarketIndex)
	if err != nil {
		return err
	}
	if err := spot.UpdateSpotBalancesAndCumulativeDeposits(tokens, model.Borrow, m, p, true); err != nil {
		return err
	}
	if err := m.Vault.Send(tokens); err != nil {
		return err
	}
	return m.InsuranceFund.Vault.Receive(tokens)
}

// moveFromFund pays tokens from m's insurance vault into user's deposit.
func moveFromFund(user *model.User, m *model.SpotMarket, tokens fp.Int) error {
	if err := m.InsuranceFund.Vault.Send(tokens); err != nil {
		return err
	}
	if err := m.Vault.Receive(tokens); err != nil {
		return err
	}
	p, err := user.ForceSpotPosition(m.MarketIndex)
	if err != nil {
		return err
	}
	return spot.UpdateSpotBalancesAndCumulativeDeposits(tokens, model.Deposit, m, p, false)
}
