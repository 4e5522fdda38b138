package trade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/store"
)

// Routes registers the engine's handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/perp/markets", s.ListPerpMarkets)
	r.Get("/perp/markets/{symbol}", s.GetPerpMarket)
	r.Post("/perp/markets/{symbol}/funding", s.UpdateFunding)

	r.Get("/spot/markets", s.ListSpotMarkets)
	r.Get("/spot/markets/{symbol}", s.GetSpotMarket)
	r.Post("/spot/markets/{symbol}/accrue", s.AccrueInterest)
	r.Post("/spot/markets/{symbol}/settle-revenue", s.SettleRevenue)

	r.Post("/users", s.CreateUser)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/", s.GetUser)
		r.Post("/perp/orders", s.PlaceOrder)
		r.Post("/perp/settle-funding", s.SettleFunding)
		r.Post("/perp/{symbol}/close", s.ClosePosition)
		r.Post("/perp/{symbol}/settle-pnl", s.SettlePnl)
		r.Post("/perp/{symbol}/lp", s.UpdateLiquidity)
		r.Post("/spot/deposit", s.Deposit)
		r.Post("/spot/withdraw", s.Withdraw)
		r.Get("/insurance/{symbol}", s.GetStake)
		r.Post("/insurance/{symbol}/stake", s.Stake)
		r.Post("/insurance/{symbol}/request-unstake", s.RequestUnstake)
		r.Post("/insurance/{symbol}/cancel-unstake", s.CancelUnstake)
		r.Post("/insurance/{symbol}/unstake", s.Unstake)
	})

	r.Get("/ledger", s.ListLedger)
}

// Seed writes cfg's exchange state and creates every configured market the
// store does not hold yet. Existing markets keep their live state.
func Seed(ctx context.Context, st store.Store, cfg *config.Config, now int64) error {
	var b store.Batch
	state := cfg.State()
	b.PutState(&state)
	for _, c := range cfg.PerpMarkets {
		_, err := st.GetPerpMarket(ctx, c.Index)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		m, err := c.Build(now)
		if err != nil {
			return err
		}
		b.PutPerpMarket(m)
		slog.Info("perp market created", "index", m.MarketIndex, "symbol", m.Symbol)
	}
	for _, c := range cfg.SpotMarkets {
		_, err := st.GetSpotMarket(ctx, c.Index)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		m, err := c.Build(now)
		if err != nil {
			return err
		}
		b.PutSpotMarket(m)
		slog.Info("spot market created", "index", m.MarketIndex, "symbol", m.Symbol)
	}
	_, err := st.Commit(ctx, &b)
	return err
}
