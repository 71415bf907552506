// Package fixed implements the integer fixed-point arithmetic used by the
// accounting engine. Prices carry 30 decimals, percentages carry 8.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// PriceDecimals is the number of decimals in a fixed-point price.
	PriceDecimals = 30
	// PercentageDecimals is the number of decimals in a fixed-point percentage.
	PercentageDecimals = 8
	// SecondsPerDay is used to scale daily funding rates to an interval.
	SecondsPerDay = 86400
)

var (
	// PricePrecision is 1e30, the value of price 1.
	PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	// Percentage is 1e8, the value of 100%.
	Percentage = big.NewInt(100_000_000)

	ErrDivideByZero = errors.New("fixed: divide by zero")
	ErrNegative     = errors.New("fixed: negative amount")
)

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// New returns a fresh copy of x, treating nil as zero.
func New(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// FromInt64 returns v as a big integer.
func FromInt64(v int64) *big.Int { return big.NewInt(v) }

// Pow10 returns 10^n.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Units returns v whole tokens expressed in base units with the given decimals.
func Units(v int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Pow10(decimals))
}

// Price returns a whole-number price in 1e30 precision.
func Price(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), PricePrecision)
}

// Percent returns p percent in 1e8 precision, e.g. Percent(5) is 5%.
func Percent(p int64) *big.Int {
	return big.NewInt(p * 1_000_000)
}

// MulDiv returns floor(a*b/c). Negative products round toward negative infinity.
func MulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic(ErrDivideByZero)
	}
	num := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(num, c, new(big.Int))
	if m.Sign() != 0 && (m.Sign() < 0) != (c.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

// MulDivUp returns ceil(a*b/c).
func MulDivUp(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic(ErrDivideByZero)
	}
	num := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(num, c, new(big.Int))
	if m.Sign() != 0 && (m.Sign() < 0) == (c.Sign() < 0) {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Sqrt returns floor(sqrt(x)). Negative input yields zero.
func Sqrt(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(x)
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// PositivePart returns max(x, 0).
func PositivePart(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func Abs(x *big.Int) *big.Int { return new(big.Int).Abs(x) }

func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }

func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }

func Neg(x *big.Int) *big.Int { return new(big.Int).Neg(x) }

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	return PositivePart(new(big.Int).Sub(a, b))
}

// ApplyPercent returns floor(x*p/100%).
func ApplyPercent(x, p *big.Int) *big.Int {
	return MulDiv(x, p, Percentage)
}

// Parse converts a human-readable decimal string into base units with the
// given number of decimals, truncating extra digits.
func Parse(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return d.Shift(decimals).BigInt(), nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string, decimals int32) *big.Int {
	v, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// ParsePrice parses a decimal price into 1e30 precision.
func ParsePrice(s string) (*big.Int, error) { return Parse(s, PriceDecimals) }

// ParsePercent parses a decimal fraction of one ("0.05" for 5%) into 1e8 precision.
func ParsePercent(s string) (*big.Int, error) { return Parse(s, PercentageDecimals) }

// Format renders base units as a decimal string.
func Format(x *big.Int, decimals int32) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -decimals).String()
}

// FormatPrice renders a 1e30 price as a decimal string.
func FormatPrice(x *big.Int) string { return Format(x, PriceDecimals) }

// ToFloat returns an approximate float64, for metrics only.
func ToFloat(x *big.Int, decimals int32) float64 {
	if x == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(x, -decimals).Float64()
	return f
}
