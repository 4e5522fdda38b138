// Package model defines the ledger records shared across the perp engine.
//
// All amounts are fixedpoint.Int integers in the precision named by the
// field's doc (see internal/fixedpoint/constants.go). Records are plain
// values: engines mutate copies and the store commits them together.
package model

import (
	"fmt"
)

// PositionDirection is the side of a trade or position.
type PositionDirection int

const (
	Long PositionDirection = iota
	Short
)

func (d PositionDirection) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Opposite returns the other side.
func (d PositionDirection) Opposite() PositionDirection {
	if d == Long {
		return Short
	}
	return Long
}

func (d PositionDirection) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *PositionDirection) UnmarshalText(b []byte) error {
	switch string(b) {
	case "long", "LONG", "Long":
		*d = Long
	case "short", "SHORT", "Short":
		*d = Short
	default:
		return fmt.Errorf("model: unknown direction %q", b)
	}
	return nil
}

// SwapDirection says whether base is added to or removed from the AMM.
type SwapDirection int

const (
	Add SwapDirection = iota
	Remove
)

func (d SwapDirection) String() string {
	if d == Remove {
		return "remove"
	}
	return "add"
}

// SpotBalanceType distinguishes deposits from borrows.
type SpotBalanceType int

const (
	Deposit SpotBalanceType = iota
	Borrow
)

func (t SpotBalanceType) String() string {
	if t == Borrow {
		return "borrow"
	}
	return "deposit"
}

// Opposite returns the other balance type.
func (t SpotBalanceType) Opposite() SpotBalanceType {
	if t == Deposit {
		return Borrow
	}
	return Deposit
}

func (t SpotBalanceType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SpotBalanceType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "deposit":
		*t = Deposit
	case "borrow":
		*t = Borrow
	default:
		return fmt.Errorf("model: unknown balance type %q", b)
	}
	return nil
}

// MarketStatus gates which operations a market accepts.
type MarketStatus string

const (
	MarketActive      MarketStatus = "active"
	MarketFundingOff  MarketStatus = "funding_paused"
	MarketReduceOnly  MarketStatus = "reduce_only"
	MarketInitialized MarketStatus = "initialized"
)
