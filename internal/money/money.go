// Package money provides shared decimal helpers for amounts.
//
// All monetary values are decimal.Decimal with two fractional digits.
// The payment gateway speaks integer minor units (1 unit = 0.01), so
// conversion helpers live here too. Nothing in this codebase is allowed
// to do money arithmetic with float64.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("money: invalid amount")

// Two decimal places everywhere: wallets, escrow, commissions.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "150.00") into an amount.
// Negative values and malformed input are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(Places), nil
}

// MustParse is Parse for trusted literals in tests and seed data.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: bad literal " + s)
	}
	return d
}

// Format renders an amount with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// ToMinorUnits converts an amount to gateway minor units (x100).
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts gateway minor units back to an amount.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(hundred)
}

// Split divides amount into a payee share and a platform fee,
// rounding the fee to two places and giving any remainder to the payee
// so the two parts always sum back to amount.
func Split(amount, feeRate decimal.Decimal) (payout, fee decimal.Decimal) {
	fee = amount.Mul(feeRate).Round(Places)
	payout = amount.Sub(fee)
	return payout, fee
}

// Commission computes a percentage commission: base * rate / 100,
// rounded to two places.
func Commission(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(hundred).Round(Places)
}
