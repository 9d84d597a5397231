package model

import "github.com/shopspring/decimal"

// Суммы хранятся в БД в центах, наружу отдаются как decimal с двумя знаками.

// ToCents переводит сумму в целое число центов с банковским округлением.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).RoundBank(0).IntPart()
}

// FitsCents сообщает, помещается ли сумма в центах в BIGINT.
func FitsCents(d decimal.Decimal) bool {
	return d.Shift(2).BigInt().IsInt64()
}

// FromCents переводит целое число центов в сумму.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatMoney возвращает сумму с двумя знаками после точки.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}
