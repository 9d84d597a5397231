package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
)

func addProduct(t *testing.T, repo *repository.MemoryRepository, name, price string, qty int64) int64 {
	t.Helper()
	p := &model.Product{
		Name:      name,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		Available: true,
		Category:  model.CategoryShop,
	}
	require.NoError(t, repo.CreateProduct(context.Background(), p))
	return p.ID
}

func stockOf(t *testing.T, repo *repository.MemoryRepository, id int64) int64 {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

func salesOf(t *testing.T, repo *repository.MemoryRepository, cardID string) []model.Sale {
	t.Helper()
	sales, err := repo.ListSales(context.Background(), model.SaleFilter{CardID: cardID})
	require.NoError(t, err)
	return sales
}

func TestCheckout_Success(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "70.00")
	p1 := addProduct(t, repo, "P1", "5.00", 10)

	sale, err := l.Checkout(context.Background(), CheckoutRequest{
		CardID:   "C1",
		Category: model.CategoryShop,
		Lines:    []CartLine{{ProductID: p1, Quantity: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, "10.00", model.FormatMoney(sale.Total))
	assert.Equal(t, model.SaleStatusPending, sale.Status())
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, sale.ID, sale.Lines[0].SaleID)
	assert.Equal(t, "5.00", model.FormatMoney(sale.Lines[0].UnitPrice))

	assert.Equal(t, int64(8), stockOf(t, repo, p1))
	assert.Equal(t, "60.00", balanceOf(t, l, "C1"))

	sales := salesOf(t, repo, "C1")
	require.Len(t, sales, 1)
	assert.Len(t, sales[0].Lines, 1)

	entries := entriesOf(t, repo, "C1")
	require.Len(t, entries, 2)
	last := entries[1]
	assert.Equal(t, model.TransactionKindPurchase, last.Kind)
	assert.Equal(t, "-10.00", model.FormatMoney(last.Amount))
	require.NotNil(t, last.SaleID)
	assert.Equal(t, sale.ID, *last.SaleID)
}

func TestCheckout_MergesDuplicateLines(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "70.00")
	p1 := addProduct(t, repo, "P1", "5.00", 3)

	_, err := l.Checkout(context.Background(), CheckoutRequest{
		CardID:   "C1",
		Category: model.CategorySnackBar,
		Lines:    []CartLine{{ProductID: p1, Quantity: 2}, {ProductID: p1, Quantity: 2}},
	})
	assert.ErrorIs(t, err, ErrStockUnavailable)
	assert.Equal(t, int64(3), stockOf(t, repo, p1))
}

func TestCheckout_Rejections(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "10.00")
	p1 := addProduct(t, repo, "P1", "5.00", 2)
	hidden := addProduct(t, repo, "Hidden", "1.00", 5)
	require.NoError(t, repo.UpdateProduct(context.Background(), &model.Product{
		ID: hidden, Name: "Hidden", Price: decimal.NewFromInt(1), Quantity: 5, Available: false,
	}))

	tests := []struct {
		name string
		req  CheckoutRequest
		want error
	}{
		{
			name: "empty cart",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop},
			want: ErrInvalidRequest,
		},
		{
			name: "no card",
			req:  CheckoutRequest{Category: model.CategoryShop, Lines: []CartLine{{ProductID: p1, Quantity: 1}}},
			want: ErrInvalidRequest,
		},
		{
			name: "no category",
			req:  CheckoutRequest{CardID: "C1", Lines: []CartLine{{ProductID: p1, Quantity: 1}}},
			want: ErrInvalidRequest,
		},
		{
			name: "zero quantity",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{{ProductID: p1}}},
			want: ErrInvalidRequest,
		},
		{
			name: "stock exceeded",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{{ProductID: p1, Quantity: 5}}},
			want: ErrStockUnavailable,
		},
		{
			name: "unavailable product",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{{ProductID: hidden, Quantity: 1}}},
			want: ErrStockUnavailable,
		},
		{
			name: "unknown product",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{{ProductID: 999, Quantity: 1}}},
			want: ErrProductNotFound,
		},
		{
			name: "unknown card",
			req:  CheckoutRequest{CardID: "C9", Category: model.CategoryShop, Lines: []CartLine{{ProductID: p1, Quantity: 1}}},
			want: ErrCardNotFound,
		},
		{
			name: "invalid line among valid ones",
			req: CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{
				{ProductID: p1, Quantity: 2}, {ProductID: hidden + 100, Quantity: 0},
			}},
			want: ErrInvalidRequest,
		},
		{
			name: "merged quantity overflows",
			req: CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{
				{ProductID: p1, Quantity: math.MaxInt64}, {ProductID: p1, Quantity: math.MaxInt64},
			}},
			want: ErrInvalidRequest,
		},
		{
			name: "huge quantity",
			req:  CheckoutRequest{CardID: "C1", Category: model.CategoryShop, Lines: []CartLine{{ProductID: p1, Quantity: math.MaxInt64}}},
			want: ErrStockUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Checkout(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)

			assert.Equal(t, int64(2), stockOf(t, repo, p1))
			assert.Equal(t, "10.00", balanceOf(t, l, "C1"))
			assert.Empty(t, salesOf(t, repo, "C1"))
			assert.Len(t, entriesOf(t, repo, "C1"), 1)
		})
	}
}

func TestCheckout_StockUnavailableNamesProduct(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "70.00")
	p1 := addProduct(t, repo, "P1", "5.00", 2)

	_, err := l.Checkout(context.Background(), CheckoutRequest{
		CardID:   "C1",
		Category: model.CategoryShop,
		Lines:    []CartLine{{ProductID: p1, Quantity: 5}},
	})

	var stockErr *StockUnavailableError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "P1", stockErr.Product)

	assert.Equal(t, int64(2), stockOf(t, repo, p1))
	assert.Empty(t, salesOf(t, repo, "C1"))
	assert.Len(t, entriesOf(t, repo, "C1"), 1)
	assert.Equal(t, "70.00", balanceOf(t, l, "C1"))
}

func TestCheckout_InsufficientBalance(t *testing.T) {
	l, repo := newTestLedger(t)
	registerCard(t, l, "C1", "9.99")
	p1 := addProduct(t, repo, "P1", "5.00", 10)

	_, err := l.Checkout(context.Background(), CheckoutRequest{
		CardID:   "C1",
		Category: model.CategoryShop,
		Lines:    []CartLine{{ProductID: p1, Quantity: 2}},
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(10), stockOf(t, repo, p1))
	assert.Empty(t, salesOf(t, repo, "C1"))
}

func TestCheckout_PartialFailureRollsBack(t *testing.T) {
	ops := []string{
		repository.OpInsertSaleLines,
		repository.OpUpdateProductStock,
		repository.OpUpdateCardBalance,
		repository.OpAppendTransaction,
	}

	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			l, repo := newTestLedger(t)
			registerCard(t, l, "C1", "70.00")
			p1 := addProduct(t, repo, "P1", "5.00", 10)

			repo.FailOn(op, errBoom)
			_, err := l.Checkout(context.Background(), CheckoutRequest{
				CardID:   "C1",
				Category: model.CategoryShop,
				Lines:    []CartLine{{ProductID: p1, Quantity: 2}},
			})
			repo.ClearFaults()

			assert.ErrorIs(t, err, ErrLedgerWriteFailed)
			assert.Equal(t, int64(10), stockOf(t, repo, p1))
			assert.Equal(t, "70.00", balanceOf(t, l, "C1"))
			assert.Empty(t, salesOf(t, repo, "C1"))
			assert.Len(t, entriesOf(t, repo, "C1"), 1)
		})
	}

	t.Run("sale insert failure", func(t *testing.T) {
		l, repo := newTestLedger(t)
		registerCard(t, l, "C1", "70.00")
		p1 := addProduct(t, repo, "P1", "5.00", 10)

		repo.FailOn(repository.OpInsertSale, errBoom)
		_, err := l.Checkout(context.Background(), CheckoutRequest{
			CardID:   "C1",
			Category: model.CategoryShop,
			Lines:    []CartLine{{ProductID: p1, Quantity: 2}},
		})
		repo.ClearFaults()

		assert.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, int64(10), stockOf(t, repo, p1))
	})
}
