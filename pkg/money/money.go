// Package money holds the currency arithmetic and calendar helpers shared by
// the ledger and the portfolio reports.
package money

import (
	"time"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Precision is the number of minor-unit digits kept for currency amounts.
const Precision int32 = 2

var hundred = decimal.NewFromInt(100)

// Round rounds half away from zero to the given number of decimal places.
func Round(amount decimal.Decimal, places int32) decimal.Decimal {
	return amount.Round(places)
}

// RoundCurrency rounds an amount to the currency's minor unit.
func RoundCurrency(amount decimal.Decimal) decimal.Decimal {
	return Round(amount, Precision)
}

// Interest returns principal * ratePercent / 100 at full precision.
func Interest(principal, ratePercent decimal.Decimal) decimal.Decimal {
	return principal.Mul(ratePercent).Div(hundred)
}

// ComputeTotalOwed returns principal plus its flat interest, rounded to the
// minor unit.
func ComputeTotalOwed(principal, ratePercent decimal.Decimal) decimal.Decimal {
	return RoundCurrency(principal.Add(Interest(principal, ratePercent)))
}

// MonthsElapsed counts whole calendar months between from and to, ignoring
// the day of month. It never returns a negative value.
func MonthsElapsed(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if months < 0 {
		return 0
	}
	return months
}

// Format renders an amount in the given ISO 4217 currency, e.g. "$1,300.00".
// Unknown codes fall back to "<amount> <code>".
func Format(amount decimal.Decimal, currency string) string {
	cur := gomoney.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(Precision) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return cur.Formatter().Format(minor)
}
