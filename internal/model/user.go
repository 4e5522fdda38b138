package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Position slot limits per user.
const (
	MaxPerpPositions = 8
	MaxSpotPositions = 8
)

var (
	// ErrNoPositionSlot is returned when every slot of a kind is taken.
	ErrNoPositionSlot = errors.New("model: no available position slot")

	// ErrPositionNotFound is returned when the user holds no position in a market.
	ErrPositionNotFound = errors.New("model: position not found")
)

// User is one trading account.
type User struct {
	ID             uuid.UUID      `json:"id"`
	Authority      string         `json:"authority"`
	PerpPositions  []PerpPosition `json:"perp_positions"`
	SpotPositions  []SpotPosition `json:"spot_positions"`
	TotalDeposits  Int            `json:"total_deposits"`
	TotalWithdraws Int            `json:"total_withdraws"`
	SettledPerpPnl Int            `json:"settled_perp_pnl"`
	TotalFeePaid   Int            `json:"total_fee_paid"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewUser returns an empty account owned by authority.
func NewUser(authority string) *User {
	return &User{
		ID:        uuid.New(),
		Authority: authority,
		CreatedAt: time.Now().UTC(),
	}
}

// PerpPosition returns the user's position in marketIndex, if any.
func (u *User) PerpPosition(marketIndex uint16) (*PerpPosition, error) {
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return p, nil
		}
	}
	return nil, ErrPositionNotFound
}

// ForcePerpPosition returns the user's position in marketIndex, claiming an
// empty slot when there is none.
func (u *User) ForcePerpPosition(marketIndex uint16) (*PerpPosition, error) {
	if p, err := u.PerpPosition(marketIndex); err == nil {
		return p, nil
	}
	for i := range u.PerpPositions {
		if u.PerpPositions[i].IsAvailable() {
			u.PerpPositions[i] = PerpPosition{MarketIndex: marketIndex}
			return &u.PerpPositions[i], nil
		}
	}
	if len(u.PerpPositions) >= MaxPerpPositions {
		return nil, ErrNoPositionSlot
	}
	u.PerpPositions = append(u.PerpPositions, PerpPosition{MarketIndex: marketIndex})
	return &u.PerpPositions[len(u.PerpPositions)-1], nil
}

// SpotPosition returns the user's balance in marketIndex, if any.
func (u *User) SpotPosition(marketIndex uint16) (*SpotPosition, error) {
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.MarketIndex == marketIndex && !p.IsAvailable() {
			return p, nil
		}
	}
	return nil, ErrPositionNotFound
}

// ForceSpotPosition is ForcePerpPosition for spot balances.
func (u *User) ForceSpotPosition(marketIndex uint16) (*SpotPosition, error) {
	if p, err := u.SpotPosition(marketIndex); err == nil {
		return p, nil
	}
	for i := range u.SpotPositions {
		if u.SpotPositions[i].IsAvailable() {
			u.SpotPositions[i] = SpotPosition{MarketIndex: marketIndex}
			return &u.SpotPositions[i], nil
		}
	}
	if len(u.SpotPositions) >= MaxSpotPositions {
		return nil, ErrNoPositionSlot
	}
	u.SpotPositions = append(u.SpotPositions, SpotPosition{MarketIndex: marketIndex})
	return &u.SpotPositions[len(u.SpotPositions)-1], nil
}

// Clone returns a deep copy, so an operation can mutate it and discard it
// on failure.
func (u *User) Clone() *User {
	c := *u
	c.PerpPositions = append([]PerpPosition(nil), u.PerpPositions...)
	c.SpotPositions = append([]SpotPosition(nil), u.SpotPositions...)
	return &c
}
