package handler

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
)

// amountField принимает сумму строкой ("15,50") или числом (15.5).
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*a = amountField(n.String())
	return nil
}

type cardResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at,omitempty"`
}

func newCardResponse(c *model.Card) cardResponse {
	resp := cardResponse{
		ID:      c.ID,
		Name:    c.Name,
		Phone:   c.Phone,
		Balance: model.FormatMoney(c.Balance),
	}
	if !c.CreatedAt.IsZero() {
		resp.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return resp
}

type quoteResponse struct {
	CardID           string `json:"card_id"`
	HolderName       string `json:"holder_name"`
	Balance          string `json:"balance"`
	Amount           string `json:"amount"`
	ResultingBalance string `json:"resulting_balance"`
}

func newQuoteResponse(q *ledger.Quote) quoteResponse {
	return quoteResponse{
		CardID:           q.Card.ID,
		HolderName:       q.Card.Name,
		Balance:          model.FormatMoney(q.Card.Balance),
		Amount:           model.FormatMoney(q.Amount),
		ResultingBalance: model.FormatMoney(q.ResultingBalance),
	}
}

type transactionResponse struct {
	ID               string `json:"id"`
	CardID           string `json:"card_id"`
	HolderName       string `json:"holder_name"`
	Kind             string `json:"kind"`
	Amount           string `json:"amount"`
	ResultingBalance string `json:"resulting_balance"`
	SaleID           *int64 `json:"sale_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func newTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:               t.ID,
		CardID:           t.CardID,
		HolderName:       t.HolderName,
		Kind:             string(t.Kind),
		Amount:           model.FormatMoney(t.Amount),
		ResultingBalance: model.FormatMoney(t.ResultingBalance),
		SaleID:           t.SaleID,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
}

type verifyResponse struct {
	CardID          string               `json:"card_id"`
	Entries         int                  `json:"entries"`
	StoredBalance   string               `json:"stored_balance"`
	ReplayedSum     string               `json:"replayed_sum"`
	Consistent      bool                 `json:"consistent"`
	FirstMismatch   *transactionResponse `json:"first_mismatch,omitempty"`
	ExpectedBalance string               `json:"expected_balance,omitempty"`
}

func newVerifyResponse(r *ledger.Report) verifyResponse {
	resp := verifyResponse{
		CardID:        r.CardID,
		Entries:       r.Entries,
		StoredBalance: model.FormatMoney(r.StoredBalance),
		ReplayedSum:   model.FormatMoney(r.ReplayedSum),
		Consistent:    r.Consistent,
	}
	if r.FirstMismatch != nil {
		m := newTransactionResponse(r.FirstMismatch)
		resp.FirstMismatch = &m
		resp.ExpectedBalance = model.FormatMoney(r.ExpectedAtDiff)
	}
	return resp
}

type productResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Quantity  int64  `json:"quantity"`
	Available bool   `json:"available"`
	Category  string `json:"category,omitempty"`
}

func newProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		Name:      p.Name,
		Price:     model.FormatMoney(p.Price),
		Quantity:  p.Quantity,
		Available: p.Available,
		Category:  string(p.Category),
	}
}

type saleLineResponse struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

type saleResponse struct {
	ID         int64              `json:"id"`
	CardID     string             `json:"card_id"`
	HolderName string             `json:"holder_name,omitempty"`
	Total      string             `json:"total"`
	Category   string             `json:"category"`
	Status     string             `json:"status"`
	Lines      []saleLineResponse `json:"lines"`
	CreatedAt  string             `json:"created_at"`
}

func newSaleResponse(s *model.Sale) saleResponse {
	lines := make([]saleLineResponse, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, saleLineResponse{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   model.FormatMoney(l.UnitPrice),
		})
	}
	return saleResponse{
		ID:         s.ID,
		CardID:     s.CardID,
		HolderName: s.HolderName,
		Total:      model.FormatMoney(s.Total),
		Category:   string(s.Category),
		Status:     string(s.Status()),
		Lines:      lines,
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
	}
}
