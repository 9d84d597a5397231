// Package validation содержит функции разбора и проверки входных данных форм.
package validation

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eventcard/internal/model"
)

var (
	// ErrEmpty возвращается для пустого или состоящего из пробелов значения.
	ErrEmpty = errors.New("value is required")
	// ErrNotANumber возвращается, если строку нельзя разобрать как десятичное число.
	ErrNotANumber = errors.New("value is not a number")
	// ErrNotPositive возвращается для нулевой или отрицательной суммы.
	ErrNotPositive = errors.New("value must be positive")
	// ErrNegative возвращается для отрицательного значения там, где допустим ноль.
	ErrNegative = errors.New("value must not be negative")
	// ErrPrecision возвращается, если сумма содержит больше двух знаков после запятой.
	ErrPrecision = errors.New("value has more than two decimal places")
	// ErrTooLarge возвращается для суммы, которую нельзя сохранить в центах.
	ErrTooLarge = errors.New("value is too large")
)

// CardID нормализует идентификатор карты. Пустой идентификатор отклоняется.
func CardID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrEmpty
	}
	return id, nil
}

// ParseAmount разбирает сумму операции: строго положительное число
// не более чем с двумя знаками после запятой. Допускается запятая как разделитель.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := parseMoney(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// ParseBalance разбирает начальный баланс карты. Пустая строка означает ноль.
func ParseBalance(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := parseMoney(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

func parseMoney(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}
	s = strings.Replace(s, ",", ".", 1)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrNotANumber
	}
	if !d.Equal(d.Truncate(2)) {
		return decimal.Zero, ErrPrecision
	}
	if !model.FitsCents(d) {
		return decimal.Zero, ErrTooLarge
	}
	return d, nil
}

// ProductFields проверяет обязательные поля товара каталога.
func ProductFields(name string, price decimal.Decimal, quantity int64) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("product name is required")
	}
	if price.IsNegative() {
		return errors.New("product price must not be negative")
	}
	if !price.Equal(price.Truncate(2)) {
		return ErrPrecision
	}
	if quantity < 0 {
		return errors.New("product quantity must not be negative")
	}
	return nil
}
