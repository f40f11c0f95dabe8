// Package money provides the fixed-point scalar used for all cash balances,
// reserves and holding quantities. Values are stored as int64 hundredths so
// repeated increments never accumulate floating-point error.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point scalar with two decimal places (hundredths).
// It is used for cash (hundredths of a dollar) and for holding quantities
// (hundredths of a unit), so transfers between the two stay exact.
type Amount int64

// FromUnits returns the Amount for a whole number of units (dollars/shares).
func FromUnits(units int64) Amount {
	return Amount(units * 100)
}

// Parse converts a decimal string such as "450" or "99.00" into an Amount.
// More than two decimal places, or a non-numeric string, is an error.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	return Amount(cents.IntPart()), nil
}

// MustParse is Parse for constants in tests; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units returns the whole-unit part, discarding the fractional hundredths.
func (a Amount) Units() int64 {
	return int64(a) / 100
}

// Mul multiplies a quantity by a price. Both operands are scaled by 100, so
// the product is rescaled once: (qty/100) * price = qty*price/100.
func (a Amount) Mul(price Amount) Amount {
	return Amount(int64(a) * int64(price) / 100)
}

// DivFloor returns the whole number of units of the given price that a can
// buy: floor(a / price). Returns 0 when price is not positive.
func (a Amount) DivFloor(price Amount) int64 {
	if price <= 0 {
		return 0
	}
	return int64(a) / int64(price)
}

// String formats the amount with two decimal places, e.g. "450.00".
func (a Amount) String() string {
	return decimal.New(int64(a), -2).StringFixed(2)
}

// Decimal returns the amount as a shopspring decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

// MarshalJSON writes the amount as a plain decimal number, e.g. 450.00.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts both bare numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
