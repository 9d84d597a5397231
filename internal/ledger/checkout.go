package ledger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/metrics"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
)

// CartLine описывает позицию корзины.
type CartLine struct {
	ProductID int64
	Quantity  int64
}

// CheckoutRequest описывает заказ на кассе, оплачиваемый картой.
type CheckoutRequest struct {
	CardID   string
	Category model.Category
	Lines    []CartLine
}

// Checkout оформляет заказ: проверяет остатки, создаёт продажу с позициями,
// уменьшает остатки и списывает сумму с карты. Все записи выполняются
// в одной транзакции, при любой ошибке ничего не сохраняется.
func (l *Ledger) Checkout(ctx context.Context, req CheckoutRequest) (*model.Sale, error) {
	id, quantities, ids, err := validateCheckout(req)
	if err != nil {
		metrics.Checkouts.WithLabelValues(metrics.ResultRejected).Inc()
		return nil, err
	}

	unlock, err := l.locker.Lock(ctx, id)
	if err != nil {
		metrics.Checkouts.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, fmt.Errorf("%w: lock card: %w", ErrTransport, err)
	}
	defer unlock()

	var (
		sale  *model.Sale
		total decimal.Decimal
	)
	err = l.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		products, err := tx.GetProductsForUpdate(ctx, ids)
		if err != nil {
			return fmt.Errorf("%w: load products: %w", ErrTransport, err)
		}

		total = decimal.Zero
		lines := make([]model.SaleLine, 0, len(ids))
		for _, pid := range ids {
			p, ok := products[pid]
			if !ok {
				return fmt.Errorf("%w: %d", ErrProductNotFound, pid)
			}
			qty := quantities[pid]
			if !p.Available || qty > p.Quantity {
				return &StockUnavailableError{Product: p.Name}
			}
			total = total.Add(p.Price.Mul(decimal.NewFromInt(qty)))
			lines = append(lines, model.SaleLine{
				ProductID:   pid,
				ProductName: p.Name,
				Quantity:    qty,
				UnitPrice:   p.Price,
			})
		}

		card, err := tx.GetCardForUpdate(ctx, id)
		if err != nil {
			return lookupError(err)
		}
		if card.Balance.LessThan(total) {
			return ErrInsufficientBalance
		}

		u := &unit{}
		sale = &model.Sale{
			CardID:     card.ID,
			HolderName: card.Name,
			Total:      total,
			Category:   req.Category,
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return u.fail("insert sale", err)
		}
		u.done()

		for i := range lines {
			lines[i].SaleID = sale.ID
		}
		if err := tx.InsertSaleLines(ctx, lines); err != nil {
			return u.fail("insert sale lines", err)
		}
		sale.Lines = lines

		for _, line := range lines {
			remaining := products[line.ProductID].Quantity - line.Quantity
			if err := tx.UpdateProductStock(ctx, line.ProductID, remaining); err != nil {
				return u.fail("update stock", err)
			}
		}

		_, err = l.apply(ctx, tx, u, card, total.Neg(), model.TransactionKindPurchase, &sale.ID)
		return err
	})
	l.observe(model.TransactionKindPurchase, err)
	metrics.Checkouts.WithLabelValues(result(err)).Inc()
	if err != nil {
		return nil, l.finish(id, total.Neg(), err)
	}

	l.logger.Info("checkout completed",
		zap.Int64("sale_id", sale.ID),
		zap.String("card_id", sale.CardID),
		zap.String("total", model.FormatMoney(sale.Total)),
	)
	return sale, nil
}

// validateCheckout проверяет запрос и объединяет повторяющиеся позиции.
// Идентификаторы товаров возвращаются по возрастанию: в таком порядке
// хранилище блокирует строки товаров.
func validateCheckout(req CheckoutRequest) (string, map[int64]int64, []int64, error) {
	id := strings.TrimSpace(req.CardID)
	if id == "" {
		return "", nil, nil, fmt.Errorf("%w: card identifier is required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return "", nil, nil, fmt.Errorf("%w: cart is empty", ErrInvalidRequest)
	}
	if !req.Category.Valid() {
		return "", nil, nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, req.Category)
	}

	quantities := make(map[int64]int64, len(req.Lines))
	ids := make([]int64, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID <= 0 || line.Quantity <= 0 {
			return "", nil, nil, fmt.Errorf("%w: invalid cart line", ErrInvalidRequest)
		}
		merged, ok := quantities[line.ProductID]
		if !ok {
			ids = append(ids, line.ProductID)
		}
		if line.Quantity > math.MaxInt64-merged {
			return "", nil, nil, fmt.Errorf("%w: quantity of product %d is too large", ErrInvalidRequest, line.ProductID)
		}
		quantities[line.ProductID] = merged + line.Quantity
	}
	slices.Sort(ids)

	return id, quantities, ids, nil
}
