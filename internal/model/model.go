// Package model содержит доменные сущности сервиса карт мероприятия.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет оператора кассы, работающего с картами и продажами.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Card описывает предоплаченную карту участника.
type Card struct {
	ID        string
	Name      string
	Phone     string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// TransactionKind описывает причину изменения баланса карты.
type TransactionKind string

const (
	TransactionKindRegistration TransactionKind = "REGISTRATION"
	TransactionKindRecharge     TransactionKind = "RECHARGE"
	TransactionKindDebit        TransactionKind = "DEBIT"
	TransactionKindPurchase     TransactionKind = "PURCHASE"
)

// Transaction описывает неизменяемую запись журнала операций по карте.
// Amount положителен для пополнений и отрицателен для списаний.
type Transaction struct {
	ID               string
	CardID           string
	HolderName       string
	Amount           decimal.Decimal
	ResultingBalance decimal.Decimal
	Kind             TransactionKind
	SaleID           *int64
	CreatedAt        time.Time
}

// Category описывает точку продаж мероприятия.
type Category string

const (
	CategoryShop      Category = "Lojinha"
	CategorySnackBar  Category = "Lanchonete"
	CategoryUndefined Category = ""
)

// Valid сообщает, является ли категория одной из известных точек продаж.
func (c Category) Valid() bool {
	return c == CategoryShop || c == CategorySnackBar
}

// Product описывает товар каталога.
type Product struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	Quantity  int64
	Available bool
	Category  Category
	CreatedAt time.Time
}

// SaleStatus описывает состояние выдачи заказа.
type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "PENDING"
	SaleStatusDelivered SaleStatus = "DELIVERED"
)

var saleTransitions = map[SaleStatus][]SaleStatus{
	SaleStatusPending: {SaleStatusDelivered},
}

// CanTransitionTo сообщает, допустим ли переход заказа из состояния from в to.
func CanTransitionTo(from, to SaleStatus) bool {
	for _, s := range saleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sale описывает продажу, оплаченную картой.
type Sale struct {
	ID         int64
	CardID     string
	HolderName string
	Total      decimal.Decimal
	Category   Category
	Delivered  bool
	Lines      []SaleLine
	CreatedAt  time.Time
}

// Status возвращает состояние выдачи заказа.
func (s Sale) Status() SaleStatus {
	if s.Delivered {
		return SaleStatusDelivered
	}
	return SaleStatusPending
}

// SaleLine описывает позицию продажи с ценой на момент покупки.
type SaleLine struct {
	SaleID      int64
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
}

// SaleFilter задаёт условия выборки продаж.
type SaleFilter struct {
	CardID      string
	Category    Category
	PendingOnly bool
}

// OutboxStatus описывает состояние исходящего сообщения.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// OutboxMessage описывает событие, записанное в одной транзакции с изменением баланса
// и ожидающее публикации в брокер.
type OutboxMessage struct {
	ID         int64
	Topic      string
	Key        string
	Payload    []byte
	Status     OutboxStatus
	RetryCount int
	CreatedAt  time.Time
}
