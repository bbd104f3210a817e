// Package money converts between decimal text and integer cents.
// All balance arithmetic in the reconciliation path happens on int64 cents.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxCents is the largest magnitude a stored amount can hold (decimal(10,2)).
const MaxCents int64 = 9_999_999_999

var (
	ErrEmpty     = errors.New("amount is empty")
	ErrPrecision = errors.New("amount has more than two decimal places")
	ErrRange     = errors.New("amount out of range")
)

var hundred = decimal.NewFromInt(100)

// Parse converts decimal text such as "20.50" into cents.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, ErrPrecision
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(MaxCents)) {
		return 0, ErrRange
	}
	return shifted.IntPart(), nil
}

// Format renders cents with exactly two decimals.
func Format(cents int64) string {
	return FromCents(cents).StringFixed(2)
}

// ToCents rounds d half away from zero to two places and returns it as cents.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(2).Mul(hundred).IntPart()
}

// FromCents converts integer cents back to a two-place decimal.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
