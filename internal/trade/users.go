package trade

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// CreateUserRequest is the body of POST /users.
type CreateUserRequest struct {
	Authority string `json:"authority"`
}

// CreateUser handles POST /users.
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	authority := strings.TrimSpace(req.Authority)
	if authority == "" {
		writeErr(w, r, fmt.Errorf("%w: authority is required", ErrBadRequest))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := model.NewUser(authority)
	u.CreatedAt = s.now().UTC()
	var b store.Batch
	b.PutUser(u)
	if err := s.commit(r.Context(), &b); err != nil {
		writeErr(w, r, err)
		return
	}
	slog.Info("user created", "user_id", u.ID, "authority", authority)

	v, err := newUserView(u, nil, nil)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GetUser handles GET /users/{userID}. Perp positions carry their
// unrealized pnl at each market's last oracle price.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := s.user(ctx, r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	perpList, err := s.store.ListPerpMarkets(ctx)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	spotList, err := s.store.ListSpotMarkets(ctx)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	perps := make(map[uint16]*model.PerpMarket, len(perpList))
	for i := range perpList {
		perps[perpList[i].MarketIndex] = &perpList[i]
	}
	spots := make(map[uint16]*model.SpotMarket, len(spotList))
	for i := range spotList {
		spots[spotList[i].MarketIndex] = &spotList[i]
	}

	v, err := newUserView(u, perps, spots)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListLedger handles GET /ledger?kind=&after=&limit=.
func (s *Service) ListLedger(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if limit <= 0 || limit > 1000 {
		writeErr(w, r, fmt.Errorf("%w: limit must be in [1, 1000]", ErrBadRequest))
		return
	}
	entries, err := s.store.ListLedger(r.Context(), r.URL.Query().Get("kind"), after, int(limit))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
