// Package money holds the fixed-point helpers every financial computation goes
// through. Amounts are shopspring decimals; rounding is half-up to two places.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for stored amounts.
const Places = 2

var (
	Zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
)

// Round rounds half away from zero to two decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns round(base * pct / 100). A non-positive pct yields zero.
func Percent(base decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	if !pct.IsPositive() {
		return Zero
	}
	return Round(base.Mul(pct).Div(hundred))
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func Max(a decimal.Decimal, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Parse reads a decimal amount and rejects values with more than two fractional digits.
func Parse(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Zero, err
	}
	if !IsCents(d) {
		return Zero, fmt.Errorf("amount %s has more than %d decimal places", raw, Places)
	}
	return d, nil
}

// MustParse is Parse for literals in seed data and tests.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// IsCents reports whether d carries no more than two fractional digits.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(Round(d))
}

func IsValidPercent(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThanOrEqual(hundred)
}
