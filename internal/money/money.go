// Package money holds the fixed-point helpers shared by the parser and the posting encoder.
package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Zero is decimal zero
var Zero = decimal.Zero

var (
	hundred   = decimal.NewFromInt(100)
	numberRe  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	stripRepl = strings.NewReplacer(",", "", " ", "", "\u00a0", "")
)

// Parse strips thousands separators and parses a monetary string, rounded to 2 places
func Parse(s string) (decimal.Decimal, error) {
	clean := stripRepl.Replace(strings.TrimSpace(s))
	if !numberRe.MatchString(clean) {
		return Zero, fmt.Errorf("not a number: %q", s)
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return Zero, err
	}
	return Round(d), nil
}

// MustParse parses s, panics on error
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Round rounds half away from zero to 2 places
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Mul multiplies two decimals, rounds to 2 places
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Round(2)
}

// Div divides a by b, rounds to 2 places
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return Zero
	}
	return a.Div(b).Round(2)
}

// ApplyDiscount computes price x (1 - percent/100), rounded to 2 places
func ApplyDiscount(price, percent decimal.Decimal) decimal.Decimal {
	factor := hundred.Sub(percent).Div(hundred)
	return price.Mul(factor).Round(2)
}

// DiscountPercent derives the discount percentage between a list price and a net price
func DiscountPercent(price, net decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return Zero
	}
	return price.Sub(net).Mul(hundred).Div(price).Round(2)
}

// Sum sums a slice of decimals
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// Cents formats a value as value x 100 with no decimal point, e.g. 1187.50 -> "118750"
func Cents(d decimal.Decimal) string {
	return d.Round(2).Mul(hundred).Round(0).StringFixed(0)
}

// FromCents parses a "no decimal point" string produced by Cents
func FromCents(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, err
	}
	return d.Div(hundred).Round(2), nil
}
