// Package repository содержит реализации доступа к данным: PostgreSQL и память.
package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/eventcard/internal/model"
)

var (
	// ErrUserExists возвращается при попытке создать оператора с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если оператор не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCardExists возвращается при регистрации карты с занятым идентификатором.
	ErrCardExists = errors.New("card already exists")
	// ErrCardNotFound возвращается, если карта не найдена.
	ErrCardNotFound = errors.New("card not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrSaleNotFound возвращается, если продажа не найдена.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleDelivered возвращается при повторной отметке выдачи заказа.
	ErrSaleDelivered = errors.New("sale already delivered")
	// ErrRollbackFailed возвращается, если после ошибки не удалось откатить уже выполненные записи.
	// Состояние хранилища в этом случае может быть несогласованным.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Tx описывает операции, выполняемые в рамках одной атомарной единицы записи.
// Методы *ForUpdate блокируют строки до завершения транзакции.
type Tx interface {
	GetCardForUpdate(ctx context.Context, id string) (*model.Card, error)
	InsertCard(ctx context.Context, card *model.Card) error
	UpdateCardBalance(ctx context.Context, id string, balance decimal.Decimal) error
	AppendTransaction(ctx context.Context, t *model.Transaction) error
	GetProductsForUpdate(ctx context.Context, ids []int64) (map[int64]*model.Product, error)
	UpdateProductStock(ctx context.Context, id int64, quantity int64) error
	InsertSale(ctx context.Context, sale *model.Sale) error
	InsertSaleLines(ctx context.Context, lines []model.SaleLine) error
	EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error
}

// TxFunc задаёт тело атомарной единицы записи.
type TxFunc func(ctx context.Context, tx Tx) error
