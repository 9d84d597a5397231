// Package ledger реализует протокол изменения баланса карт: пополнение,
// списание и оплату заказа на кассе с записью в журнал операций.
//
// Каждое изменение выполняется под блокировкой карты и внутри одной транзакции
// хранилища: запись баланса, запись журнала и событие для брокера фиксируются
// вместе или не фиксируются вовсе.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/lock"
	"github.com/mmeshcher/eventcard/internal/metrics"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
	"github.com/mmeshcher/eventcard/internal/validation"
)

// Store описывает хранилище, с которым работает журнал.
type Store interface {
	RunInTx(ctx context.Context, fn repository.TxFunc) error
	GetCard(ctx context.Context, id string) (*model.Card, error)
	ListTransactions(ctx context.Context, cardID string) ([]model.Transaction, error)
}

// Ledger выполняет операции над балансами карт.
type Ledger struct {
	store  Store
	locker lock.Locker
	logger *zap.Logger
	topic  string
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLocker задаёт блокировку карт. По умолчанию используется блокировка внутри процесса.
func WithLocker(l lock.Locker) Option {
	return func(lg *Ledger) {
		lg.locker = l
	}
}

// WithEvents включает запись событий журнала в outbox с топиком topic.
func WithEvents(topic string) Option {
	return func(lg *Ledger) {
		lg.topic = topic
	}
}

// New создаёт журнал поверх хранилища store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locker: lock.NewKeyedMutex(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewCard содержит данные для регистрации карты.
type NewCard struct {
	ID             string
	Name           string
	Phone          string
	InitialBalance string
}

// Quote содержит результат предварительного расчёта операции, показываемый перед подтверждением.
type Quote struct {
	Card             model.Card
	Amount           decimal.Decimal
	ResultingBalance decimal.Decimal
}

// Lookup возвращает карту по идентификатору. Пустой идентификатор отклоняется
// без обращения к хранилищу.
func (l *Ledger) Lookup(ctx context.Context, rawID string) (*model.Card, error) {
	id, err := cardID(rawID)
	if err != nil {
		return nil, err
	}

	card, err := l.store.GetCard(ctx, id)
	if err != nil {
		return nil, lookupError(err)
	}
	return card, nil
}

// RegisterCard создаёт карту. Ненулевой начальный баланс оформляется записью
// журнала вида REGISTRATION, чтобы сумма журнала совпадала с балансом.
func (l *Ledger) RegisterCard(ctx context.Context, in NewCard) (*model.Card, error) {
	id, err := cardID(in.ID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: holder name is required", ErrInvalidRequest)
	}
	initial, err := validation.ParseBalance(in.InitialBalance)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}

	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: lock card: %w", ErrTransport, err)
	}
	defer unlock()

	var card *model.Card
	err = l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		card = &model.Card{
			ID:      id,
			Name:    name,
			Phone:   strings.TrimSpace(in.Phone),
			Balance: decimal.Zero,
		}

		u := &unit{}
		if err := tx.InsertCard(ctx, card); err != nil {
			if errors.Is(err, repository.ErrCardExists) {
				return ErrCardExists
			}
			return u.fail("insert card", err)
		}
		u.done()

		if initial.IsZero() {
			return nil
		}
		_, err := l.apply(ctx, tx, u, card, initial, model.TransactionKindRegistration, nil)
		return err
	})
	l.observe(model.TransactionKindRegistration, err)
	if err != nil {
		return nil, l.finish(id, initial, err)
	}
	return card, nil
}

// QuoteRecharge рассчитывает баланс после пополнения без записи.
func (l *Ledger) QuoteRecharge(ctx context.Context, rawID, rawAmount string) (*Quote, error) {
	return l.quote(ctx, rawID, rawAmount, false)
}

// QuoteDebit рассчитывает баланс после списания без записи.
func (l *Ledger) QuoteDebit(ctx context.Context, rawID, rawAmount string) (*Quote, error) {
	return l.quote(ctx, rawID, rawAmount, true)
}

func (l *Ledger) quote(ctx context.Context, rawID, rawAmount string, debit bool) (*Quote, error) {
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return nil, err
	}
	card, err := l.Lookup(ctx, rawID)
	if err != nil {
		return nil, err
	}

	delta := amount
	if debit {
		delta = amount.Neg()
	}
	resulting := card.Balance.Add(delta)
	if resulting.IsNegative() {
		return nil, ErrInsufficientBalance
	}
	if !model.FitsCents(resulting) {
		return nil, fmt.Errorf("%w: resulting balance %s is too large", ErrInvalidAmount, resulting)
	}
	return &Quote{Card: *card, Amount: delta, ResultingBalance: resulting}, nil
}

// Recharge пополняет карту на сумму rawAmount.
func (l *Ledger) Recharge(ctx context.Context, rawID, rawAmount string) (*model.Transaction, error) {
	return l.mutate(ctx, rawID, rawAmount, model.TransactionKindRecharge)
}

// Debit списывает с карты сумму rawAmount. Списание, после которого баланс
// стал бы отрицательным, отклоняется до любой записи.
func (l *Ledger) Debit(ctx context.Context, rawID, rawAmount string) (*model.Transaction, error) {
	return l.mutate(ctx, rawID, rawAmount, model.TransactionKindDebit)
}

func (l *Ledger) mutate(ctx context.Context, rawID, rawAmount string, kind model.TransactionKind) (*model.Transaction, error) {
	id, err := cardID(rawID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(rawAmount)
	if err != nil {
		return nil, err
	}
	delta := amount
	if kind == model.TransactionKindDebit {
		delta = amount.Neg()
	}

	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: lock card: %w", ErrTransport, err)
	}
	defer unlock()

	var entry *model.Transaction
	err = l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		card, err := tx.GetCardForUpdate(ctx, id)
		if err != nil {
			return lookupError(err)
		}
		entry, err = l.apply(ctx, tx, &unit{}, card, delta, kind, nil)
		return err
	})
	l.observe(kind, err)
	if err != nil {
		return nil, l.finish(id, delta, err)
	}
	return entry, nil
}

// apply выполняет общий хвост всех изменений баланса: проверка нижней границы,
// запись баланса, запись журнала и события. card обновляется на месте.
func (l *Ledger) apply(
	ctx context.Context,
	tx repository.Tx,
	u *unit,
	card *model.Card,
	delta decimal.Decimal,
	kind model.TransactionKind,
	saleID *int64,
) (*model.Transaction, error) {
	newBalance := card.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientBalance
	}
	if !model.FitsCents(newBalance) {
		return nil, fmt.Errorf("%w: resulting balance %s is too large", ErrInvalidAmount, newBalance)
	}

	if err := tx.UpdateCardBalance(ctx, card.ID, newBalance); err != nil {
		return nil, u.fail("update balance", err)
	}
	u.done()

	entry := &model.Transaction{
		ID:               uuid.NewString(),
		CardID:           card.ID,
		HolderName:       card.Name,
		Amount:           delta,
		ResultingBalance: newBalance,
		Kind:             kind,
		SaleID:           saleID,
		CreatedAt:        time.Now(),
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, u.fail("append transaction", err)
	}
	if err := l.publish(ctx, tx, entry); err != nil {
		return nil, u.fail("enqueue event", err)
	}

	card.Balance = newBalance
	return entry, nil
}

// finish приводит ошибку транзакции к ошибкам журнала. Неудачный откат
// означает, что баланс мог разойтись с журналом: это фиксируется в логе и метрике.
func (l *Ledger) finish(cardID string, delta decimal.Decimal, err error) error {
	if errors.Is(err, repository.ErrRollbackFailed) {
		metrics.LedgerInconsistencies.Inc()
		l.logger.Error("ledger compensation failed",
			zap.String("card_id", cardID),
			zap.String("amount", model.FormatMoney(delta)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err)
	}
	if isClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (l *Ledger) observe(kind model.TransactionKind, err error) {
	metrics.LedgerMutations.WithLabelValues(string(kind), result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case isRejection(err) && !errors.Is(err, repository.ErrRollbackFailed):
		return metrics.ResultRejected
	default:
		return metrics.ResultFailed
	}
}

// Transactions возвращает записи журнала карты в порядке создания.
func (l *Ledger) Transactions(ctx context.Context, rawID string) ([]model.Transaction, error) {
	card, err := l.Lookup(ctx, rawID)
	if err != nil {
		return nil, err
	}

	entries, err := l.store.ListTransactions(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %w", ErrTransport, err)
	}
	return entries, nil
}

func cardID(raw string) (string, error) {
	id, err := validation.CardID(raw)
	if err != nil {
		return "", ErrIdentifierRequired
	}
	return id, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := validation.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return amount, nil
}

func lookupError(err error) error {
	if errors.Is(err, repository.ErrCardNotFound) {
		return ErrCardNotFound
	}
	return fmt.Errorf("%w: %w", ErrLookupFailed, err)
}
