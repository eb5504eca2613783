package util

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Cents converts a float amount to a decimal rounded to two places,
// half away from zero.
func Cents(x float64) decimal.Decimal {
	return decimal.NewFromFloat(x).Round(2)
}

// PercentOf returns percent% of amount, rounded to cents.
func PercentOf(amount decimal.Decimal, percent float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(percent)).Div(hundred).Round(2)
}
