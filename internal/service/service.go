// Package service реализует бизнес-логику сервиса карт мероприятия.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
	"github.com/mmeshcher/eventcard/internal/validation"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidProduct возвращается, если поля товара не прошли проверку.
	ErrInvalidProduct = errors.New("invalid product")
	// ErrInvalidTransition возвращается при недопустимой смене состояния заказа.
	ErrInvalidTransition = errors.New("invalid sale transition")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	ledger.Store
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	UpdateCardHolder(ctx context.Context, id, name, phone string) error
	CreateProduct(ctx context.Context, p *model.Product) error
	UpdateProduct(ctx context.Context, p *model.Product) error
	SetProductAvailable(ctx context.Context, id int64, available bool) error
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context, onlyAvailable bool) ([]model.Product, error)
	GetSale(ctx context.Context, id int64) (*model.Sale, error)
	ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error)
	MarkSaleDelivered(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику сервиса карт.
type Service struct {
	repo   Repository
	ledger *ledger.Ledger
}

// NewService создаёт новый сервис с указанным репозиторием и журналом операций.
func NewService(repo Repository, l *ledger.Ledger) *Service {
	return &Service{
		repo:   repo,
		ledger: l,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterOperator регистрирует нового оператора кассы.
func (s *Service) RegisterOperator(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateOperator проверяет логин и пароль оператора и возвращает его идентификатор.
func (s *Service) AuthenticateOperator(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// RegisterCard регистрирует карту участника.
func (s *Service) RegisterCard(ctx context.Context, in ledger.NewCard) (*model.Card, error) {
	return s.ledger.RegisterCard(ctx, in)
}

// GetCard возвращает карту по идентификатору.
func (s *Service) GetCard(ctx context.Context, id string) (*model.Card, error) {
	return s.ledger.Lookup(ctx, id)
}

// UpdateCardHolder меняет имя и телефон владельца. Баланс не изменяется.
func (s *Service) UpdateCardHolder(ctx context.Context, rawID, name, phone string) (*model.Card, error) {
	id, err := validation.CardID(rawID)
	if err != nil {
		return nil, ledger.ErrIdentifierRequired
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: holder name is required", ledger.ErrInvalidRequest)
	}

	if err := s.repo.UpdateCardHolder(ctx, id, name, strings.TrimSpace(phone)); err != nil {
		if errors.Is(err, repository.ErrCardNotFound) {
			return nil, ledger.ErrCardNotFound
		}
		return nil, fmt.Errorf("%w: %w", ledger.ErrTransport, err)
	}
	return s.ledger.Lookup(ctx, id)
}

// QuoteRecharge рассчитывает баланс после пополнения для подтверждения.
func (s *Service) QuoteRecharge(ctx context.Context, id, amount string) (*ledger.Quote, error) {
	return s.ledger.QuoteRecharge(ctx, id, amount)
}

// Recharge пополняет карту.
func (s *Service) Recharge(ctx context.Context, id, amount string) (*model.Transaction, error) {
	return s.ledger.Recharge(ctx, id, amount)
}

// QuoteDebit рассчитывает баланс после списания для подтверждения.
func (s *Service) QuoteDebit(ctx context.Context, id, amount string) (*ledger.Quote, error) {
	return s.ledger.QuoteDebit(ctx, id, amount)
}

// Debit списывает сумму с карты.
func (s *Service) Debit(ctx context.Context, id, amount string) (*model.Transaction, error) {
	return s.ledger.Debit(ctx, id, amount)
}

// Transactions возвращает журнал операций карты.
func (s *Service) Transactions(ctx context.Context, id string) ([]model.Transaction, error) {
	return s.ledger.Transactions(ctx, id)
}

// Verify сверяет баланс карты с журналом.
func (s *Service) Verify(ctx context.Context, id string) (*ledger.Report, error) {
	return s.ledger.Verify(ctx, id)
}

// Checkout оформляет заказ на кассе.
func (s *Service) Checkout(ctx context.Context, req ledger.CheckoutRequest) (*model.Sale, error) {
	return s.ledger.Checkout(ctx, req)
}
