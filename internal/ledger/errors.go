package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentifierRequired возвращается для пустого идентификатора карты.
	ErrIdentifierRequired = errors.New("card identifier is required")
	// ErrInvalidAmount возвращается для нечисловой, нулевой или отрицательной суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidRequest возвращается для некорректного запроса: пустая корзина, нет категории и т.п.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCardNotFound возвращается, если карта не зарегистрирована.
	ErrCardNotFound = errors.New("card not registered")
	// ErrCardExists возвращается при повторной регистрации идентификатора.
	ErrCardExists = errors.New("card already registered")
	// ErrProductNotFound возвращается, если товара из корзины нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientBalance возвращается, если операция сделала бы баланс отрицательным.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrStockUnavailable возвращается, если товара на складе меньше, чем в корзине.
	ErrStockUnavailable = errors.New("stock unavailable")
	// ErrLedgerWriteFailed возвращается, если запись не удалась после того,
	// как часть изменений уже была выполнена.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	// ErrLookupFailed возвращается при сбое хранилища во время поиска карты.
	ErrLookupFailed = errors.New("card lookup failed")
	// ErrTransport возвращается для прочих сбоев хранилища.
	ErrTransport = errors.New("storage unavailable")
)

// StockUnavailableError указывает товар, которого не хватает на складе.
type StockUnavailableError struct {
	Product string
}

func (e *StockUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrStockUnavailable, e.Product)
}

// Is позволяет сравнивать ошибку с ErrStockUnavailable через errors.Is.
func (e *StockUnavailableError) Is(target error) bool {
	return target == ErrStockUnavailable
}

// rejections перечисляет ошибки, при которых не выполнено ни одной записи.
var rejections = []error{
	ErrIdentifierRequired,
	ErrInvalidAmount,
	ErrInvalidRequest,
	ErrCardNotFound,
	ErrCardExists,
	ErrProductNotFound,
	ErrInsufficientBalance,
	ErrStockUnavailable,
}

func isRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isClassified(err error) bool {
	return isRejection(err) ||
		errors.Is(err, ErrLedgerWriteFailed) ||
		errors.Is(err, ErrLookupFailed) ||
		errors.Is(err, ErrTransport)
}

// unit помнит, была ли в текущей транзакции уже выполнена запись.
// Сбой первой записи считается ошибкой хранилища, сбой последующих даёт ErrLedgerWriteFailed.
type unit struct {
	written bool
}

func (u *unit) done() {
	u.written = true
}

func (u *unit) fail(step string, err error) error {
	if u.written {
		return fmt.Errorf("%w: %s: %w", ErrLedgerWriteFailed, step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, step, err)
}
