package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	fp "github.com/atmx/perp-engine/internal/fixedpoint"
	"github.com/atmx/perp-engine/internal/model"
)

func n(v int64) fp.Int { return fp.New(v) }

const base = fp.BasePrecision

// market has 1000 base of depth and holds 40 long and 30 short.
func market() *model.PerpMarket {
	const reserve = 1000 * fp.AMMReservePrecision
	return &model.PerpMarket{
		MaxOpenInterest: n(50 * base),
		AMM: model.AMM{
			BaseAssetReserve:        n(reserve),
			MinBaseAssetReserve:     n(reserve / 2),
			MaxBaseAssetReserve:     n(reserve * 2),
			MaxBaseAssetAmountRatio: 10,
			BaseAssetAmountStepSize: n(base / 1000),
			BaseAssetAmountLong:     n(40 * base),
			BaseAssetAmountShort:    n(-30 * base),
		},
	}
}

func TestCheckFill_WithinLimits(t *testing.T) {
	l := NewLimiter(decimal.Zero)
	if err := l.CheckFill(market(), fp.Zero, n(5*base), model.Long); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckFill_TooLarge(t *testing.T) {
	// Max fill is min(1000/10, (1000-500)/2) = 100.
	l := NewLimiter(decimal.Zero)
	m := market()
	m.MaxOpenInterest = fp.Zero

	if err := l.CheckFill(m, fp.Zero, n(100*base), model.Long); err != nil {
		t.Errorf("fill at max: %v", err)
	}
	if err := l.CheckFill(m, fp.Zero, n(101*base), model.Long); !errors.Is(err, ErrFillTooLarge) {
		t.Errorf("expected ErrFillTooLarge, got %v", err)
	}
}

func TestCheckFill_OpenInterest(t *testing.T) {
	l := NewLimiter(decimal.Zero)

	tests := []struct {
		name string
		held int64
		fill int64
		dir  model.PositionDirection
		want error
	}{
		{"long to cap", 0, 10, model.Long, nil},
		{"long past cap", 0, 11, model.Long, ErrOpenInterestExceeded},
		{"short below long side", 0, 15, model.Short, nil},
		{"flip long holder short", 10, 20, model.Short, nil},
		{"short past cap", 0, 21, model.Short, ErrOpenInterestExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.CheckFill(market(), n(tt.held*base), n(tt.fill*base), tt.dir)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckFill_ReducingOverCapMarket(t *testing.T) {
	m := market()
	m.MaxOpenInterest = n(20 * base)

	// A long holder selling lowers the long side: allowed.
	if err := NewLimiter(decimal.Zero).CheckFill(m, n(10*base), n(5*base), model.Short); err != nil {
		t.Errorf("reducing fill rejected: %v", err)
	}
	if err := NewLimiter(decimal.Zero).CheckFill(m, fp.Zero, n(base), model.Long); !errors.Is(err, ErrOpenInterestExceeded) {
		t.Errorf("growing fill: %v", err)
	}
}

func TestCheckFill_PositionLimit(t *testing.T) {
	l := NewLimiter(decimal.NewFromInt(8))
	m := market()

	if err := l.CheckFill(m, n(5*base), n(3*base), model.Long); err != nil {
		t.Errorf("to 8: %v", err)
	}
	if err := l.CheckFill(m, n(5*base), n(4*base), model.Long); !errors.Is(err, ErrPositionLimitExceeded) {
		t.Errorf("to 9: %v", err)
	}
	// Shrinking an oversized position is allowed.
	if err := l.CheckFill(m, n(-12*base), n(2*base), model.Long); err != nil {
		t.Errorf("reduce oversized: %v", err)
	}
}
