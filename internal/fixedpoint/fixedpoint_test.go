package fixedpoint

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

// --- Int tests ---

func TestParseAndString(t *testing.T) {
	tests := []string{"0", "1", "-1", "340282366920938463463374607431768211455", "-170141183460469231731687303715884105728"}
	for _, s := range tests {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if v.String() != s {
			t.Errorf("Parse(%q).String() = %q", s, v.String())
		}
	}
}

func TestParse_Rejects129Bits(t *testing.T) {
	_, err := Parse("340282366920938463463374607431768211456")
	if !errors.Is(err, ErrArithmetic) {
		t.Errorf("expected ErrArithmetic, got %v", err)
	}
}

func TestNegativeZeroIsNormalized(t *testing.T) {
	z := New(0).Neg()
	if z != Zero {
		t.Errorf("-0 should equal Zero")
	}
	if MustParse("-0") != Zero {
		t.Errorf("parsed -0 should equal Zero")
	}
}

func TestCmp(t *testing.T) {
	tests := []struct {
		a, b int64
		want int
	}{
		{1, 2, -1},
		{2, 1, 1},
		{-1, 1, -1},
		{-5, -3, -1},
		{-3, -5, 1},
		{7, 7, 0},
	}
	for _, tt := range tests {
		if got := New(tt.a).Cmp(New(tt.b)); got != tt.want {
			t.Errorf("Cmp(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestInt64Bounds(t *testing.T) {
	v, err := New(-9223372036854775808).Int64()
	if err != nil || v != -9223372036854775808 {
		t.Errorf("min int64 round trip: %d %v", v, err)
	}
	_, err = MustParse("9223372036854775808").Int64()
	if !errors.Is(err, ErrCast) {
		t.Errorf("expected ErrCast, got %v", err)
	}
	_, err = New(-1).Uint64()
	if !errors.Is(err, ErrCast) {
		t.Errorf("expected ErrCast for negative Uint64, got %v", err)
	}
}

func TestJSONAcceptsQuotedAndBare(t *testing.T) {
	var v struct {
		A Int `json:"a"`
		B Int `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"-42","b":17}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != New(-42) || v.B != New(17) {
		t.Errorf("got a=%s b=%s", v.A, v.B)
	}
	out, _ := json.Marshal(v)
	if string(out) != `{"a":"-42","b":"17"}` {
		t.Errorf("marshal = %s", out)
	}
}

func TestDecimalConversions(t *testing.T) {
	v, err := FromDecimal(decimal.RequireFromString("21.5"), 6)
	if err != nil {
		t.Fatalf("FromDecimal: %v", err)
	}
	if v != New(21_500_000) {
		t.Errorf("FromDecimal = %s", v)
	}
	if !v.Decimal(6).Equal(decimal.RequireFromString("21.5")) {
		t.Errorf("Decimal = %s", v.Decimal(6))
	}
}

// --- Calc tests ---

func TestCalc_DivisionTruncatesTowardZero(t *testing.T) {
	got, _ := CN(-7).DivN(2).Result()
	if got != New(-3) {
		t.Errorf("-7/2 = %s, want -3", got)
	}
	got, _ = CN(-7).RemN(2).Result()
	if got != New(-1) {
		t.Errorf("-7%%2 = %s, want -1", got)
	}
}

func TestCalc_DivideByZero(t *testing.T) {
	_, err := CN(1).DivN(0).Result()
	if !errors.Is(err, ErrArithmetic) {
		t.Errorf("expected ErrArithmetic, got %v", err)
	}
}

func TestCalc_NarrowOverflow(t *testing.T) {
	big := MustParse("18446744073709551616") // 2^64
	_, err := C(big).Mul(big).Result()
	if !errors.Is(err, ErrArithmetic) {
		t.Errorf("2^128 should overflow a narrow chain, got %v", err)
	}
}

func TestCalc_WideIntermediate(t *testing.T) {
	big := MustParse("18446744073709551616") // 2^64
	got, err := W(big).Mul(big).Div(big).Result()
	if err != nil {
		t.Fatalf("wide chain: %v", err)
	}
	if got != big {
		t.Errorf("got %s", got)
	}

	_, err = W(big).Mul(big).Mul(big).Mul(New(2)).Result()
	if !errors.Is(err, ErrArithmetic) {
		t.Errorf("2^193 should overflow a wide chain, got %v", err)
	}
}

func TestCalc_ErrorSticks(t *testing.T) {
	c := CN(1).DivN(0).AddN(5).MulN(3)
	if c.Err() == nil {
		t.Fatal("expected sticky error")
	}
}

func TestCalc_Unsigned(t *testing.T) {
	_, err := CN(3).SubN(4).Unsigned().Result()
	if !errors.Is(err, ErrArithmetic) {
		t.Errorf("expected underflow, got %v", err)
	}
}

func TestCalc_Sqrt(t *testing.T) {
	got, _ := CN(99).Sqrt().Result()
	if got != New(9) {
		t.Errorf("sqrt(99) = %s", got)
	}
	if _, err := CN(-4).Sqrt().Result(); err == nil {
		t.Error("sqrt of negative should fail")
	}
}

// --- Statistic tests ---

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name           string
		d1, d2, w1, w2 int64
		want           int64
	}{
		{"zero first weight", 10, 20, 0, 5, 20},
		{"zero second weight", 10, 20, 5, 0, 10},
		{"bias up", 100, 200, 1, 2, 167},
		{"bias down", 300, 100, 1, 2, 165},
		{"no bias on equal mass", 200, 100, 1, 2, 133},
		{"no bias at unit weight", 200, 100, 1, 1, 150},
		{"floor at zero", 1, 0, 1, 2, 0},
		{"negative", -100, -200, 1, 2, -167},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WeightedAverage(New(tt.d1), New(tt.d2), New(tt.w1), New(tt.w2))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != New(tt.want) {
				t.Errorf("got %s, want %d", got, tt.want)
			}
		})
	}
}

func TestNewTWAP(t *testing.T) {
	// Half a period since the last update weighs old and new equally,
	// with the bias favoring the previous average.
	got, err := NewTWAP(New(200), 1800, New(100), 0, 3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != New(149) {
		t.Errorf("got %s, want 149", got)
	}

	// Two periods later the previous average keeps a weight of one second.
	got, _ = NewTWAP(New(200), 7200, New(100), 0, 3600)
	if got != New(199) {
		t.Errorf("got %s, want 199", got)
	}

	// A timestamp in the past counts as no time elapsed.
	got, _ = NewTWAP(New(200), 0, New(100), 10, 3600)
	if got != New(100) {
		t.Errorf("got %s, want 100", got)
	}
}

func TestRollingSum(t *testing.T) {
	got, _ := RollingSum(New(1000), New(10), New(600), New(3600))
	if got != New(843) {
		t.Errorf("got %s, want 843", got)
	}
	got, _ = RollingSum(New(1000), New(10), New(7200), New(3600))
	if got != New(10) {
		t.Errorf("got %s, want 10", got)
	}
}

func TestStandardize(t *testing.T) {
	std, rem, err := StandardizeBaseAssetAmountWithRemainder(New(-1_234), New(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if std != New(-1_200) || rem != New(-34) {
		t.Errorf("got std=%s rem=%s", std, rem)
	}
	if _, err := StandardizeBaseAssetAmount(New(5), Zero); err == nil {
		t.Error("zero step should fail")
	}
}

func TestLog10AndPow10(t *testing.T) {
	if Log10(Zero) != 0 || Log10(New(9)) != 0 || Log10(New(10)) != 1 || Log10(New(12345)) != 4 {
		t.Error("unexpected Log10")
	}
	p, _ := Pow10(6)
	if p != New(1_000_000) {
		t.Errorf("Pow10(6) = %s", p)
	}
}
