package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
	"github.com/mmeshcher/eventcard/internal/validation"
)

// ProductInput содержит поля товара из формы каталога.
type ProductInput struct {
	Name      string
	Price     string
	Quantity  int64
	Available bool
	Category  model.Category
}

func (in ProductInput) product() (*model.Product, error) {
	if strings.TrimSpace(in.Price) == "" {
		return nil, fmt.Errorf("%w: price is required", ErrInvalidProduct)
	}
	price, err := validation.ParseBalance(in.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: price: %w", ErrInvalidProduct, err)
	}
	if err := validation.ProductFields(in.Name, price, in.Quantity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProduct, err)
	}
	if in.Category != model.CategoryUndefined && !in.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidProduct, in.Category)
	}

	return &model.Product{
		Name:      strings.TrimSpace(in.Name),
		Price:     price,
		Quantity:  in.Quantity,
		Available: in.Available,
		Category:  in.Category,
	}, nil
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*model.Product, error) {
	p, err := in.product()
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct перезаписывает поля товара id.
func (s *Service) UpdateProduct(ctx context.Context, id int64, in ProductInput) (*model.Product, error) {
	p, err := in.product()
	if err != nil {
		return nil, err
	}
	p.ID = id
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProduct снимает товар с продажи. Запись остаётся в каталоге:
// на неё ссылаются позиции прошлых продаж.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.SetProductAvailable(ctx, id, false)
}

// GetProduct возвращает товар каталога.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts возвращает каталог. При onlyAvailable возвращаются только товары в продаже с ненулевым остатком.
func (s *Service) ListProducts(ctx context.Context, onlyAvailable bool) ([]model.Product, error) {
	return s.repo.ListProducts(ctx, onlyAvailable)
}

// ListSales возвращает продажи по фильтру, новые первыми.
func (s *Service) ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error) {
	return s.repo.ListSales(ctx, f)
}

// MarkDelivered отмечает заказ выданным. Выданный заказ изменить нельзя.
func (s *Service) MarkDelivered(ctx context.Context, saleID int64) (*model.Sale, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransitionTo(sale.Status(), model.SaleStatusDelivered) {
		return nil, fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, saleID, sale.Status())
	}

	if err := s.repo.MarkSaleDelivered(ctx, saleID); err != nil {
		if errors.Is(err, repository.ErrSaleDelivered) {
			return nil, fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, saleID, model.SaleStatusDelivered)
		}
		return nil, err
	}

	sale.Delivered = true
	return sale, nil
}
