package models

import "github.com/shopspring/decimal"

// MoneyScale is the number of decimal places kept for balances, rates and charges.
const MoneyScale int32 = 5

// RoundMoney rounds half away from zero to MoneyScale places. All stored amounts are non-negative,
// so this is half-up in practice.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// FormatMoney renders an amount with exactly MoneyScale decimals, e.g. "1.20000".
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// ParseMoney parses a decimal string and rounds it to MoneyScale.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundMoney(d), nil
}
