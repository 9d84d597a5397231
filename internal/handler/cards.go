package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/model"
)

type registerCardRequest struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Phone          string      `json:"phone"`
	InitialBalance amountField `json:"initial_balance"`
}

// RegisterCard регистрирует новую карту.
func (h *Handler) RegisterCard(w http.ResponseWriter, r *http.Request) {
	var req registerCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	card, err := h.service.RegisterCard(r.Context(), ledger.NewCard{
		ID:             req.ID,
		Name:           req.Name,
		Phone:          req.Phone,
		InitialBalance: string(req.InitialBalance),
	})
	if err != nil {
		h.writeError(w, err, zap.String("card_id", req.ID))
		return
	}

	writeJSON(w, http.StatusCreated, newCardResponse(card))
}

// GetCard возвращает карту с текущим балансом.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	card, err := h.service.GetCard(r.Context(), cardID)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID))
		return
	}

	writeJSON(w, http.StatusOK, newCardResponse(card))
}

type updateCardRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// UpdateCard меняет данные владельца карты.
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	var req updateCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	card, err := h.service.UpdateCardHolder(r.Context(), cardID, req.Name, req.Phone)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID))
		return
	}

	writeJSON(w, http.StatusOK, newCardResponse(card))
}

type amountRequest struct {
	Amount amountField `json:"amount"`
}

func decodeAmount(r *http.Request) (string, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", false
	}
	return string(req.Amount), true
}

// QuoteRecharge показывает баланс до и после пополнения без записи.
func (h *Handler) QuoteRecharge(w http.ResponseWriter, r *http.Request) {
	h.quote(w, r, h.service.QuoteRecharge)
}

// QuoteDebit показывает баланс до и после списания без записи.
func (h *Handler) QuoteDebit(w http.ResponseWriter, r *http.Request) {
	h.quote(w, r, h.service.QuoteDebit)
}

// Recharge пополняет карту.
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Recharge)
}

// Debit списывает сумму с карты.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Debit)
}

type quoteFunc func(ctx context.Context, id, amount string) (*ledger.Quote, error)

type mutateFunc func(ctx context.Context, id, amount string) (*model.Transaction, error)

func (h *Handler) quote(w http.ResponseWriter, r *http.Request, fn quoteFunc) {
	cardID := chi.URLParam(r, "cardID")
	amount, ok := decodeAmount(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	q, err := fn(r.Context(), cardID, amount)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID))
		return
	}

	writeJSON(w, http.StatusOK, newQuoteResponse(q))
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, fn mutateFunc) {
	cardID := chi.URLParam(r, "cardID")
	amount, ok := decodeAmount(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "malformed request body")
		return
	}

	entry, err := fn(r.Context(), cardID, amount)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID), zap.String("amount", amount))
		return
	}

	writeJSON(w, http.StatusOK, newTransactionResponse(entry))
}

// Transactions возвращает журнал операций карты.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	entries, err := h.service.Transactions(r.Context(), cardID)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, newTransactionResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify сверяет баланс карты с журналом.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	report, err := h.service.Verify(r.Context(), cardID)
	if err != nil {
		h.writeError(w, err, zap.String("card_id", cardID))
		return
	}

	if !report.Consistent {
		h.logger.Warn("card balance does not match ledger",
			zap.String("card_id", report.CardID),
			zap.String("stored", model.FormatMoney(report.StoredBalance)),
			zap.String("replayed", model.FormatMoney(report.ReplayedSum)),
		)
	}
	writeJSON(w, http.StatusOK, newVerifyResponse(report))
}
