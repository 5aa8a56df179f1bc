package math

import (
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Fixed-point conventions shared by amounts, prices and values.
const (
	Decimals         = 8
	Scale      int64 = 100_000_000 // 1.0 at 8 decimals
	RatioScale int64 = 1_000_000   // collateralization ratio 1.0
	MaxWeight  int64 = 255         // full-face risk weight
)

// RatioInfinite is reported when an account carries no exposure.
const RatioInfinite int64 = math.MaxInt64

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The caller owns the result; release it with Release when done.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with rounding.
// Operands are expected non-negative; the denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)

	if !quotient.IsInt64() {
		return math.MaxInt64
	}
	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 && result%2 != 0 {
			result++
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	return result
}

// MulDiv returns a * b / c without intermediate overflow.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	if c <= 0 {
		panic(fmt.Sprintf("MulDiv: non-positive divisor %d", c))
	}
	n := MultiplyInt128(a, b)
	defer putInt128(n)
	return DivideInt128(n, c, mode)
}

// Value converts an amount of an asset into quote units at the given price.
func Value(amount, price int64) int64 {
	return MulDiv(amount, price, Scale, RoundDown)
}

// WeightedValue is Value discounted by a risk weight out of 255.
func WeightedValue(amount, price int64, weight uint8) int64 {
	n := MultiplyInt128(amount, price)
	defer putInt128(n)
	n.Mul(n, big.NewInt(int64(weight)))
	return DivideInt128(n, Scale*MaxWeight, RoundDown)
}

// AmountForValue returns how much of an asset is worth value at price,
// rounded up so the recipient is never short-changed.
func AmountForValue(value, price int64) int64 {
	return MulDiv(value, Scale, price, RoundUp)
}

// Ratio returns numerator / denominator at RatioScale, or RatioInfinite
// when the denominator is zero.
func Ratio(numerator, denominator int64) int64 {
	if denominator <= 0 {
		return RatioInfinite
	}
	return MulDiv(numerator, RatioScale, denominator, RoundDown)
}

// AddCapped returns a + b, saturating at the int64 bounds. The second
// result reports whether the sum was capped.
func AddCapped(a, b int64) (int64, bool) {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64, true
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64, true
	}
	return sum, false
}

// Percent returns pct percent of v, rounded down.
func Percent(v int64, pct uint64) int64 {
	if pct > math.MaxInt64 {
		pct = math.MaxInt64
	}
	return MulDiv(v, int64(pct), 100, RoundDown)
}

// ParseAmount parses a decimal string such as "1.25" into fixed-point.
// Inputs finer than 8 decimals are rejected rather than rounded.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal into fixed-point.
func FromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d.String(), Decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows int64", d.String())
	}
	return bi.Int64(), nil
}

// ToDecimal renders a fixed-point value as a decimal.
func ToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -Decimals)
}

// FormatRatio renders a RatioScale value, "inf" for RatioInfinite.
func FormatRatio(r int64) string {
	if r == RatioInfinite {
		return "inf"
	}
	return decimal.New(r, -6).String()
}
