package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/service"
)

type productRequest struct {
	Name      string      `json:"name"`
	Price     amountField `json:"price"`
	Quantity  int64       `json:"quantity"`
	Available bool        `json:"available"`
	Category  string      `json:"category"`
}

func (p productRequest) input() service.ProductInput {
	return service.ProductInput{
		Name:      p.Name,
		Price:     string(p.Price),
		Quantity:  p.Quantity,
		Available: p.Available,
		Category:  model.Category(p.Category),
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ListProducts возвращает каталог. С available=true возвращаются только товары, доступные к продаже.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	onlyAvailable, _ := strconv.ParseBool(r.URL.Query().Get("available"))

	products, err := h.service.ListProducts(r.Context(), onlyAvailable)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, newProductResponse(&products[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	p, err := h.service.CreateProduct(r.Context(), req.input())
	if err != nil {
		h.writeError(w, err, zap.String("product", req.Name))
		return
	}

	writeJSON(w, http.StatusCreated, newProductResponse(p))
}

// GetProduct возвращает товар каталога.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "productID")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid product id")
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, err, zap.Int64("product_id", id))
		return
	}

	writeJSON(w, http.StatusOK, newProductResponse(p))
}

// UpdateProduct перезаписывает поля товара.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "productID")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid product id")
		return
	}

	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	p, err := h.service.UpdateProduct(r.Context(), id, req.input())
	if err != nil {
		h.writeError(w, err, zap.Int64("product_id", id))
		return
	}

	writeJSON(w, http.StatusOK, newProductResponse(p))
}

// DeleteProduct снимает товар с продажи.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "productID")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid product id")
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		h.writeError(w, err, zap.Int64("product_id", id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	CardID   string `json:"card_id"`
	Category string `json:"category"`
	Items    []struct {
		ProductID int64 `json:"product_id"`
		Quantity  int64 `json:"quantity"`
	} `json:"items"`
}

// Checkout оформляет заказ на кассе с оплатой картой.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	lines := make([]ledger.CartLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, ledger.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	sale, err := h.service.Checkout(r.Context(), ledger.CheckoutRequest{
		CardID:   req.CardID,
		Category: model.Category(req.Category),
		Lines:    lines,
	})
	if err != nil {
		h.writeError(w, err, zap.String("card_id", req.CardID))
		return
	}

	writeJSON(w, http.StatusCreated, newSaleResponse(sale))
}

// ListSales возвращает продажи с фильтрами card, category и pending.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pending, _ := strconv.ParseBool(q.Get("pending"))

	sales, err := h.service.ListSales(r.Context(), model.SaleFilter{
		CardID:      q.Get("card"),
		Category:    model.Category(q.Get("category")),
		PendingOnly: pending,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(sales) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for i := range sales {
		resp = append(resp, newSaleResponse(&sales[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkDelivered отмечает заказ выданным.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "saleID")
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid sale id")
		return
	}

	sale, err := h.service.MarkDelivered(r.Context(), id)
	if err != nil {
		h.writeError(w, err, zap.Int64("sale_id", id))
		return
	}

	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}
