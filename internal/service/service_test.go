package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

// stubRepo подменяет операции с операторами, остальное делегирует хранилищу в памяти.
type stubRepo struct {
	*repository.MemoryRepository

	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error
}

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func newStubService(repo *stubRepo) *Service {
	if repo.MemoryRepository == nil {
		repo.MemoryRepository = repository.NewMemoryRepository()
	}
	return NewService(repo, ledger.New(repo, zap.NewNop()))
}

func newMemoryService() *Service {
	repo := repository.NewMemoryRepository()
	return NewService(repo, ledger.New(repo, zap.NewNop()))
}

func TestRegisterOperator_PropagatesDuplicateError(t *testing.T) {
	svc := newStubService(&stubRepo{createUserErr: repository.ErrUserExists})

	_, err := svc.RegisterOperator(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateOperator(t *testing.T) {
	hashed := hashPassword("user", "correct")
	svc := newStubService(&stubRepo{
		getUser: &model.User{ID: 7, Login: "user", PasswordHash: hashed},
	})

	if _, err := svc.AuthenticateOperator(context.Background(), "user", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	id, err := svc.AuthenticateOperator(context.Background(), "user", "correct")
	if err != nil {
		t.Fatalf("AuthenticateOperator error: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
}

func TestAuthenticateOperator_UnknownLogin(t *testing.T) {
	svc := newStubService(&stubRepo{getUserErr: repository.ErrUserNotFound})

	if _, err := svc.AuthenticateOperator(context.Background(), "ghost", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestUpdateCardHolder(t *testing.T) {
	svc := newMemoryService()
	ctx := context.Background()

	if _, err := svc.RegisterCard(ctx, ledger.NewCard{ID: "C1", Name: "Maria", InitialBalance: "10"}); err != nil {
		t.Fatalf("RegisterCard error: %v", err)
	}

	card, err := svc.UpdateCardHolder(ctx, "C1", " Joana ", "1234")
	if err != nil {
		t.Fatalf("UpdateCardHolder error: %v", err)
	}
	if card.Name != "Joana" || card.Phone != "1234" {
		t.Fatalf("holder = %q/%q, want Joana/1234", card.Name, card.Phone)
	}
	if model.FormatMoney(card.Balance) != "10.00" {
		t.Fatalf("balance changed: %s", card.Balance)
	}

	if _, err := svc.UpdateCardHolder(ctx, "C9", "X", ""); !errors.Is(err, ledger.ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
	if _, err := svc.UpdateCardHolder(ctx, "C1", "  ", ""); !errors.Is(err, ledger.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.UpdateCardHolder(ctx, "", "X", ""); !errors.Is(err, ledger.ErrIdentifierRequired) {
		t.Fatalf("expected ErrIdentifierRequired, got %v", err)
	}
}

func TestProductValidation(t *testing.T) {
	svc := newMemoryService()
	ctx := context.Background()

	tests := []struct {
		name string
		in   ProductInput
		ok   bool
	}{
		{name: "valid", in: ProductInput{Name: "Pastel", Price: "8,50", Quantity: 10, Available: true, Category: model.CategorySnackBar}, ok: true},
		{name: "free item", in: ProductInput{Name: "Adesivo", Price: "0", Quantity: 0}, ok: true},
		{name: "empty name", in: ProductInput{Name: " ", Price: "1"}},
		{name: "missing price", in: ProductInput{Name: "Camiseta"}},
		{name: "negative price", in: ProductInput{Name: "Camiseta", Price: "-1"}},
		{name: "negative quantity", in: ProductInput{Name: "Camiseta", Price: "1", Quantity: -1}},
		{name: "unknown category", in: ProductInput{Name: "Camiseta", Price: "1", Category: "Bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := svc.CreateProduct(ctx, tt.in)
			if tt.ok {
				if err != nil {
					t.Fatalf("CreateProduct error: %v", err)
				}
				if p.ID == 0 {
					t.Fatalf("product id not assigned")
				}
				return
			}
			if !errors.Is(err, ErrInvalidProduct) {
				t.Fatalf("expected ErrInvalidProduct, got %v", err)
			}
		})
	}
}

func TestUpdateProduct_NotFound(t *testing.T) {
	svc := newMemoryService()

	_, err := svc.UpdateProduct(context.Background(), 42, ProductInput{Name: "X", Price: "1"})
	if !errors.Is(err, repository.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestDeleteProduct(t *testing.T) {
	svc := newMemoryService()
	ctx := context.Background()

	p, err := svc.CreateProduct(ctx, ProductInput{Name: "Pastel", Price: "8,00", Quantity: 4, Available: true})
	if err != nil {
		t.Fatalf("CreateProduct error: %v", err)
	}

	if err := svc.DeleteProduct(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProduct error: %v", err)
	}

	got, err := svc.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProduct error: %v", err)
	}
	if got.Available || got.Quantity != 4 {
		t.Fatalf("deleted product = %+v, want unavailable with stock 4", got)
	}

	list, err := svc.ListProducts(ctx, true)
	if err != nil {
		t.Fatalf("ListProducts error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("available products = %d, want 0", len(list))
	}

	if err := svc.DeleteProduct(ctx, 999); !errors.Is(err, repository.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestMarkDelivered(t *testing.T) {
	svc := newMemoryService()
	ctx := context.Background()

	if _, err := svc.RegisterCard(ctx, ledger.NewCard{ID: "C1", Name: "Maria", InitialBalance: "50"}); err != nil {
		t.Fatalf("RegisterCard error: %v", err)
	}
	p, err := svc.CreateProduct(ctx, ProductInput{Name: "Caneca", Price: "20", Quantity: 3, Available: true, Category: model.CategoryShop})
	if err != nil {
		t.Fatalf("CreateProduct error: %v", err)
	}
	sale, err := svc.Checkout(ctx, ledger.CheckoutRequest{
		CardID:   "C1",
		Category: model.CategoryShop,
		Lines:    []ledger.CartLine{{ProductID: p.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Checkout error: %v", err)
	}

	pending, err := svc.ListSales(ctx, model.SaleFilter{PendingOnly: true})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending sales = %d, err = %v", len(pending), err)
	}

	delivered, err := svc.MarkDelivered(ctx, sale.ID)
	if err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	if delivered.Status() != model.SaleStatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", delivered.Status())
	}

	if _, err := svc.MarkDelivered(ctx, sale.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.MarkDelivered(ctx, 999); !errors.Is(err, repository.ErrSaleNotFound) {
		t.Fatalf("expected ErrSaleNotFound, got %v", err)
	}

	pending, err = svc.ListSales(ctx, model.SaleFilter{PendingOnly: true})
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending sales after delivery = %d, err = %v", len(pending), err)
	}
}
