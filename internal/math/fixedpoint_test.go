package math_test

import (
	fpmath "MarginLedger/internal/math"
	"math"
	"testing"
)

// ============================================================================
// Test: Rounding
// ============================================================================

func TestMulDiv_RoundHalfEven(t *testing.T) {
	cases := []struct {
		a, b, c int64
		want    int64
	}{
		{5, 1, 2, 2},  // 2.5 -> 2
		{7, 1, 2, 4},  // 3.5 -> 4
		{10, 1, 4, 2}, // 2.5 -> 2
		{11, 1, 4, 3}, // 2.75 -> 3
	}
	for _, tc := range cases {
		got := fpmath.MulDiv(tc.a, tc.b, tc.c, fpmath.RoundHalfEven)
		if got != tc.want {
			t.Errorf("MulDiv(%d,%d,%d): got %d, want %d", tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestMulDiv_RoundUpAndDown(t *testing.T) {
	if got := fpmath.MulDiv(10, 1, 3, fpmath.RoundDown); got != 3 {
		t.Errorf("round down: got %d, want 3", got)
	}
	if got := fpmath.MulDiv(10, 1, 3, fpmath.RoundUp); got != 4 {
		t.Errorf("round up: got %d, want 4", got)
	}
	if got := fpmath.MulDiv(9, 1, 3, fpmath.RoundUp); got != 3 {
		t.Errorf("exact round up: got %d, want 3", got)
	}
}

func TestMulDiv_NoIntermediateOverflow(t *testing.T) {
	// 9e18 * 1e8 overflows int64 before the division
	const big = int64(9_000_000_000_000_000_000)
	got := fpmath.MulDiv(big, 100_000_000, 100_000_000, fpmath.RoundDown)
	if got != big {
		t.Errorf("got %d, want %d", got, big)
	}
}

// ============================================================================
// Test: Valuation
// ============================================================================

func TestValue(t *testing.T) {
	// 2 WBTC at 30_000
	got := fpmath.Value(2*fpmath.Scale, 30_000*fpmath.Scale)
	if got != 60_000*fpmath.Scale {
		t.Errorf("got %d, want %d", got, 60_000*fpmath.Scale)
	}
}

func TestWeightedValue(t *testing.T) {
	full := fpmath.WeightedValue(100*fpmath.Scale, fpmath.Scale, 255)
	if full != 100*fpmath.Scale {
		t.Errorf("full weight: got %d, want %d", full, 100*fpmath.Scale)
	}

	zero := fpmath.WeightedValue(100*fpmath.Scale, fpmath.Scale, 0)
	if zero != 0 {
		t.Errorf("zero weight: got %d, want 0", zero)
	}

	// 255 units at weight 51 is exactly 51 units
	partial := fpmath.WeightedValue(255*fpmath.Scale, fpmath.Scale, 51)
	if partial != 51*fpmath.Scale {
		t.Errorf("partial weight: got %d, want %d", partial, 51*fpmath.Scale)
	}
}

func TestAmountForValue_RoundsUp(t *testing.T) {
	// 10 quote units at price 3 -> 3.33333334
	got := fpmath.AmountForValue(10*fpmath.Scale, 3*fpmath.Scale)
	if got != 333_333_334 {
		t.Errorf("got %d, want 333_333_334", got)
	}
}

func TestRatio(t *testing.T) {
	if got := fpmath.Ratio(150, 100); got != 1_500_000 {
		t.Errorf("got %d, want 1_500_000", got)
	}
	if got := fpmath.Ratio(150, 0); got != fpmath.RatioInfinite {
		t.Errorf("zero exposure: got %d, want RatioInfinite", got)
	}
}

func TestAddCapped(t *testing.T) {
	if got, capped := fpmath.AddCapped(2, 3); got != 5 || capped {
		t.Errorf("got %d capped=%v, want 5 uncapped", got, capped)
	}
	big := int64(6_000_000_000_000_000_000)
	if got, capped := fpmath.AddCapped(big, big); got != math.MaxInt64 || !capped {
		t.Errorf("got %d capped=%v, want MaxInt64 capped", got, capped)
	}
	if got, capped := fpmath.AddCapped(-big, -big); got != math.MinInt64 || !capped {
		t.Errorf("got %d capped=%v, want MinInt64 capped", got, capped)
	}
}

func TestPercent(t *testing.T) {
	if got := fpmath.Percent(1_000*fpmath.Scale, 10); got != 100*fpmath.Scale {
		t.Errorf("got %d, want %d", got, 100*fpmath.Scale)
	}
}

// ============================================================================
// Test: Decimal parsing
// ============================================================================

func TestParseAmount(t *testing.T) {
	cases := map[string]int64{
		"1":          100_000_000,
		"0.5":        50_000_000,
		"30000.25":   3_000_025_000_000,
		"0.00000001": 1,
	}
	for in, want := range cases {
		got, err := fpmath.ParseAmount(in)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAmount(%q): got %d, want %d", in, got, want)
		}
	}
}

func TestParseAmount_TooPrecise_Fails(t *testing.T) {
	if _, err := fpmath.ParseAmount("0.000000001"); err == nil {
		t.Error("expected error for 9 decimal places")
	}
}

func TestParseAmount_Garbage_Fails(t *testing.T) {
	if _, err := fpmath.ParseAmount("abc"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestFormatRatio(t *testing.T) {
	if got := fpmath.FormatRatio(1_250_000); got != "1.25" {
		t.Errorf("got %q, want 1.25", got)
	}
	if got := fpmath.FormatRatio(fpmath.RatioInfinite); got != "inf" {
		t.Errorf("got %q, want inf", got)
	}
}
