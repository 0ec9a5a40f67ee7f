// Package money provides a typed integer-cents wrapper so ledger, meter,
// and catalog code cannot accidentally mix dollar floats with cent counts.
package money

import "fmt"

// Cents is an amount of US currency in integer cents. All internal
// accounting uses Cents; dollars only appear at user-facing boundaries.
type Cents int64

// FromDollars converts a dollar amount (as used in API request/response
// bodies) into Cents, rounding to the nearest cent.
func FromDollars(dollars float64) Cents {
	if dollars >= 0 {
		return Cents(dollars*100 + 0.5)
	}
	return Cents(dollars*100 - 0.5)
}

// Dollars converts back to a float64 dollar amount for JSON responses.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

// String renders the amount as "$12.34".
func (c Cents) String() string {
	sign := ""
	v := c
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// Add returns c + other.
func (c Cents) Add(other Cents) Cents { return c + other }

// Negate returns -c.
func (c Cents) Negate() Cents { return -c }

// IsPositive reports whether the amount is strictly greater than zero.
func (c Cents) IsPositive() bool { return c > 0 }
