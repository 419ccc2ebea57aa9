// Package money converts statement amounts between decimals and integer
// minor units (paise, cents). The store keeps minor units so that sums and
// comparisons never touch floating point.
package money

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	INR = "INR"
	USD = "USD"
	JPY = "JPY" // no minor unit
)

// DefaultCurrency is applied to statements that do not state one.
const DefaultCurrency = INR

// ToMinor converts a decimal amount into minor units of currencyCode,
// rounding half away from zero. Unknown currencies use two fractional digits.
func ToMinor(amount decimal.Decimal, currencyCode string) int64 {
	return amount.Shift(int32(fraction(currencyCode))).Round(0).IntPart()
}

// FromMinor converts minor units of currencyCode back into a decimal amount.
func FromMinor(amountMinor int64, currencyCode string) decimal.Decimal {
	return decimal.New(amountMinor, -int32(fraction(currencyCode)))
}

func fraction(currencyCode string) int {
	if c := money.GetCurrency(currencyCode); c != nil {
		return c.Fraction
	}
	return 2
}

// Sum totals expense amounts of one currency in minor units.
func Sum(currencyCode string, amounts ...decimal.Decimal) (decimal.Decimal, error) {
	total := money.New(0, currencyCode)
	for _, a := range amounts {
		next, err := total.Add(money.New(ToMinor(a, currencyCode), currencyCode))
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to add %s amount: %w", currencyCode, err)
		}
		total = next
	}
	return FromMinor(total.Amount(), currencyCode), nil
}

// Format renders amount with the currency's symbol and grouping, e.g. "₹1,234.56".
func Format(amount decimal.Decimal, currencyCode string) string {
	return money.New(ToMinor(amount, currencyCode), currencyCode).Display()
}
