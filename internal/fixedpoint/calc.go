package fixedpoint

import "fmt"

// Calc is a chain of checked operations. The first failure sticks and every
// later step is a no-op, so a formula reads left to right and is checked once:
//
//	q, err := fixedpoint.W(reserve).Mul(peg).Div(fixedpoint.New(1e9)).Result()
//
// C bounds every intermediate to 128 bits; W allows 192.
type Calc struct {
	v    Int
	bits int
	err  error
}

// C starts a chain whose intermediates must fit 128 bits.
func C(x Int) Calc { return Calc{v: x, bits: narrowBits} }

// W starts a chain whose intermediates may use 192 bits.
func W(x Int) Calc { return Calc{v: x, bits: wideBits} }

// CN is C(New(v)).
func CN(v int64) Calc { return C(New(v)) }

func (c Calc) fail(op string, x, y Int, reason string) Calc {
	c.err = fmt.Errorf("%w: %s %s %s: %s", ErrArithmetic, x, op, y, reason)
	return c
}

func (c Calc) check(op string, x, y Int, z Int, overflow bool) Calc {
	if overflow || z.abs.BitLen() > c.bits {
		return c.fail(op, x, y, "overflow")
	}
	c.v = z
	return c
}

// Add returns c + y.
func (c Calc) Add(y Int) Calc {
	if c.err != nil {
		return c
	}
	z, of := add(c.v, y)
	return c.check("+", c.v, y, z, of)
}

// Sub returns c - y.
func (c Calc) Sub(y Int) Calc {
	if c.err != nil {
		return c
	}
	z, of := add(c.v, y.Neg())
	return c.check("-", c.v, y, z, of)
}

// Mul returns c * y.
func (c Calc) Mul(y Int) Calc {
	if c.err != nil {
		return c
	}
	var z Int
	_, of := z.abs.MulOverflow(&c.v.abs, &y.abs)
	z.neg = c.v.neg != y.neg
	return c.check("*", c.v, y, z.norm(), of)
}

// Div returns c / y truncated toward zero.
func (c Calc) Div(y Int) Calc {
	if c.err != nil {
		return c
	}
	if y.IsZero() {
		return c.fail("/", c.v, y, "division by zero")
	}
	var z Int
	z.abs.Div(&c.v.abs, &y.abs)
	z.neg = c.v.neg != y.neg
	c.v = z.norm()
	return c
}

// Rem returns the remainder of truncated division; its sign follows c.
func (c Calc) Rem(y Int) Calc {
	if c.err != nil {
		return c
	}
	if y.IsZero() {
		return c.fail("%", c.v, y, "division by zero")
	}
	var z Int
	z.abs.Mod(&c.v.abs, &y.abs)
	z.neg = c.v.neg
	c.v = z.norm()
	return c
}

// Sqrt returns the floor square root; c must not be negative.
func (c Calc) Sqrt() Calc {
	if c.err != nil {
		return c
	}
	if c.v.neg {
		return c.fail("sqrt", c.v, Zero, "negative operand")
	}
	var z Int
	z.abs.Sqrt(&c.v.abs)
	c.v = z
	return c
}

// Unsigned fails when c is negative. It marks a quantity that the
// ledger stores as unsigned, so underflow is an error and not a sign flip.
func (c Calc) Unsigned() Calc {
	if c.err != nil {
		return c
	}
	if c.v.neg {
		return c.fail("unsigned", c.v, Zero, "underflow")
	}
	return c
}

func (c Calc) Neg() Calc {
	c.v = c.v.Neg()
	return c
}

func (c Calc) Abs() Calc {
	c.v = c.v.Abs()
	return c
}

func (c Calc) AddN(n int64) Calc { return c.Add(New(n)) }
func (c Calc) SubN(n int64) Calc { return c.Sub(New(n)) }
func (c Calc) MulN(n int64) Calc { return c.Mul(New(n)) }
func (c Calc) DivN(n int64) Calc { return c.Div(New(n)) }
func (c Calc) RemN(n int64) Calc { return c.Rem(New(n)) }

// Result closes the chain. The value must fit 128 bits.
func (c Calc) Result() (Int, error) {
	if c.err != nil {
		return Zero, c.err
	}
	if c.v.abs.BitLen() > narrowBits {
		return Zero, fmt.Errorf("%w: %s exceeds 128 bits", ErrArithmetic, c.v)
	}
	return c.v, nil
}

// Int64 closes the chain and converts the result.
func (c Calc) Int64() (int64, error) {
	v, err := c.Result()
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

// Err reports the first failure in the chain, if any.
func (c Calc) Err() error { return c.err }

func add(x, y Int) (Int, bool) {
	var z Int
	if x.neg == y.neg {
		_, of := z.abs.AddOverflow(&x.abs, &y.abs)
		z.neg = x.neg
		return z.norm(), of
	}
	if x.abs.Cmp(&y.abs) >= 0 {
		z.abs.Sub(&x.abs, &y.abs)
		z.neg = x.neg
	} else {
		z.abs.Sub(&y.abs, &x.abs)
		z.neg = y.neg
	}
	return z.norm(), false
}
