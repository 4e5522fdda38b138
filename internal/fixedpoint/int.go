// Package fixedpoint is the integer arithmetic kernel of the engine.
//
// Every price, reserve, balance and rate is an integer scaled by a fixed
// precision (see constants.go). Int holds a signed value whose magnitude fits
// in 128 bits; intermediates may be computed up to 192 bits through W and are
// checked again when the chain is closed with Result. No operation wraps or
// panics: overflow and division by zero surface as ErrArithmetic.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrArithmetic is returned on overflow, underflow of an unsigned
	// quantity, or division by zero.
	ErrArithmetic = errors.New("fixedpoint: arithmetic error")

	// ErrCast is returned when a value does not fit the requested Go type.
	ErrCast = errors.New("fixedpoint: cast error")
)

const (
	narrowBits = 128
	wideBits   = 192
)

// Int is a signed integer with a magnitude of at most 2^128-1.
// The zero value is 0. Values are comparable with ==.
type Int struct {
	neg bool
	abs uint256.Int
}

// Zero and One are convenience values.
var (
	Zero = Int{}
	One  = New(1)
)

// New returns v as an Int.
func New(v int64) Int {
	var z Int
	if v < 0 {
		z.neg = true
		if v == math.MinInt64 {
			z.abs.SetUint64(1 << 63)
			return z
		}
		v = -v
	}
	z.abs.SetUint64(uint64(v))
	return z
}

// NewUint returns v as an Int.
func NewUint(v uint64) Int {
	var z Int
	z.abs.SetUint64(v)
	return z
}

// Parse reads a base-10 integer with an optional leading minus sign.
func Parse(s string) (Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	abs, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: parse %q: %v", ErrCast, s, err)
	}
	z := Int{neg: neg, abs: *abs}.norm()
	if z.abs.BitLen() > narrowBits {
		return Zero, fmt.Errorf("%w: %q exceeds 128 bits", ErrArithmetic, s)
	}
	return z, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// FromBig converts b, failing when it does not fit 128 bits.
func FromBig(b *big.Int) (Int, error) {
	neg := b.Sign() < 0
	abs, overflow := uint256.FromBig(new(big.Int).Abs(b))
	if overflow || abs.BitLen() > narrowBits {
		return Zero, fmt.Errorf("%w: %s exceeds 128 bits", ErrArithmetic, b)
	}
	return Int{neg: neg, abs: *abs}.norm(), nil
}

// FromDecimal scales d by 10^exp and truncates toward zero.
// FromDecimal(decimal.RequireFromString("21.5"), 6) is 21_500_000.
func FromDecimal(d decimal.Decimal, exp int32) (Int, error) {
	return FromBig(d.Shift(exp).Truncate(0).BigInt())
}

func (x Int) norm() Int {
	if x.abs.IsZero() {
		x.neg = false
	}
	return x
}

// Sign returns -1, 0 or +1.
func (x Int) Sign() int {
	switch {
	case x.abs.IsZero():
		return 0
	case x.neg:
		return -1
	default:
		return 1
	}
}

func (x Int) IsZero() bool     { return x.abs.IsZero() }
func (x Int) IsNegative() bool { return x.neg }
func (x Int) IsPositive() bool { return !x.neg && !x.abs.IsZero() }

// Neg returns -x.
func (x Int) Neg() Int {
	x.neg = !x.neg
	return x.norm()
}

// Abs returns |x|.
func (x Int) Abs() Int {
	x.neg = false
	return x
}

// Cmp compares x and y and returns -1, 0 or +1.
func (x Int) Cmp(y Int) int {
	switch {
	case x.neg && !y.neg:
		return -1
	case !x.neg && y.neg:
		return 1
	}
	c := x.abs.Cmp(&y.abs)
	if x.neg {
		return -c
	}
	return c
}

func (x Int) Eq(y Int) bool  { return x == y }
func (x Int) Lt(y Int) bool  { return x.Cmp(y) < 0 }
func (x Int) Lte(y Int) bool { return x.Cmp(y) <= 0 }
func (x Int) Gt(y Int) bool  { return x.Cmp(y) > 0 }
func (x Int) Gte(y Int) bool { return x.Cmp(y) >= 0 }

// Int64 converts x, failing when it does not fit.
func (x Int) Int64() (int64, error) {
	if !x.abs.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit int64", ErrCast, x)
	}
	u := x.abs.Uint64()
	if x.neg {
		if u > 1<<63 {
			return 0, fmt.Errorf("%w: %s does not fit int64", ErrCast, x)
		}
		return -int64(u), nil
	}
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s does not fit int64", ErrCast, x)
	}
	return int64(u), nil
}

// Uint64 converts x, failing on negative or oversized values.
func (x Int) Uint64() (uint64, error) {
	if x.neg || !x.abs.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit uint64", ErrCast, x)
	}
	return x.abs.Uint64(), nil
}

// Big returns x as a new big.Int.
func (x Int) Big() *big.Int {
	b := x.abs.ToBig()
	if x.neg {
		b.Neg(b)
	}
	return b
}

// Decimal returns x * 10^-precisionExp, for display.
func (x Int) Decimal(precisionExp int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.Big(), -precisionExp)
}

func (x Int) String() string {
	if x.neg {
		return "-" + x.abs.Dec()
	}
	return x.abs.Dec()
}

// MarshalJSON encodes x as a quoted decimal string so values above 2^53
// survive JavaScript clients.
func (x Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare integer.
func (x *Int) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*x = Zero
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Int) Int {
	if a.Lt(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Int) Int {
	if a.Gt(b) {
		return a
	}
	return b
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi Int) Int {
	return Max(lo, Min(x, hi))
}
