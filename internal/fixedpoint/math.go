package fixedpoint

import "fmt"

// WeightedAverage blends d1 and d2 by weights w1 and w2. When w2 > 1 the
// result is nudged one unit toward d2 so repeated small updates converge
// instead of stalling on truncation.
func WeightedAverage(d1, d2, w1, w2 Int) (Int, error) {
	if w1.IsZero() {
		return d2, nil
	}
	if w2.IsZero() {
		return d1, nil
	}

	prev, err := C(d1).Mul(w1).Result()
	if err != nil {
		return Zero, err
	}
	latest, err := C(d2).Mul(w2).Result()
	if err != nil {
		return Zero, err
	}

	bias := 0
	if w2.Gt(One) {
		bias = latest.Cmp(prev)
	}

	twap, err := C(prev).Add(latest).Div(mustAdd(w1, w2)).Result()
	if err != nil {
		return Zero, err
	}
	if twap.IsZero() && bias < 0 {
		return twap, nil
	}
	return C(twap).AddN(int64(bias)).Result()
}

// NewTWAP folds price observed at now into a time-weighted average last
// updated at lastTS over the given period.
func NewTWAP(price Int, now int64, lastTWAP Int, lastTS, period int64) (Int, error) {
	since := max(0, now-lastTS)
	fromStart := max(1, period-since)
	return WeightedAverage(price, lastTWAP, New(since), New(fromStart))
}

// RollingSum decays d1 by (wDen-wNum)/wDen and adds d2.
func RollingSum(d1, d2, wNum, wDen Int) (Int, error) {
	prevWeight, err := C(wDen).Sub(wNum).Result()
	if err != nil {
		return Zero, err
	}
	return C(d1).Mul(Max(Zero, prevWeight)).Div(wDen).Add(d2).Result()
}

// Proportion returns floor(value*num/den) using a 192-bit intermediate.
func Proportion(value, num, den Int) (Int, error) {
	if num == den {
		return value, nil
	}
	return W(value).Mul(num).Div(den).Result()
}

// SaturatingSub returns max(0, a-b).
func SaturatingSub(a, b Int) Int {
	if a.Lte(b) {
		return Zero
	}
	return mustAdd(a, b.Neg())
}

// StandardizeBaseAssetAmount rounds amount toward zero to a multiple of step.
func StandardizeBaseAssetAmount(amount, step Int) (Int, error) {
	std, _, err := StandardizeBaseAssetAmountWithRemainder(amount, step)
	return std, err
}

// StandardizeBaseAssetAmountWithRemainder returns the standardized amount and
// the remainder cut from it.
func StandardizeBaseAssetAmountWithRemainder(amount, step Int) (Int, Int, error) {
	if !step.IsPositive() {
		return Zero, Zero, fmt.Errorf("%w: step size %s", ErrArithmetic, step)
	}
	rem, err := C(amount).Rem(step).Result()
	if err != nil {
		return Zero, Zero, err
	}
	std, err := C(amount).Sub(rem).Result()
	if err != nil {
		return Zero, Zero, err
	}
	return std, rem, nil
}

// IsMultipleOfStepSize reports whether amount is a whole number of steps.
func IsMultipleOfStepSize(amount, step Int) (bool, error) {
	rem, err := C(amount).Rem(step).Result()
	if err != nil {
		return false, err
	}
	return rem.IsZero(), nil
}

// Log10 returns floor(log10(n)) for n >= 1, and 0 for n < 10.
func Log10(n Int) uint32 {
	var e uint32
	ten := New(10)
	for n.Gte(ten) {
		n, _ = C(n).Div(ten).Result()
		e++
	}
	return e
}

// Pow10 returns 10^e.
func Pow10(e uint32) (Int, error) {
	c := C(One)
	for i := uint32(0); i < e; i++ {
		c = c.MulN(10)
	}
	return c.Result()
}

func mustAdd(x, y Int) Int {
	z, _ := add(x, y)
	return z
}
