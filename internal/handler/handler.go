// Package handler содержит HTTP-обработчики API сервиса карт мероприятия.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/eventcard/internal/ledger"
	"github.com/mmeshcher/eventcard/internal/middleware"
	"github.com/mmeshcher/eventcard/internal/model"
	"github.com/mmeshcher/eventcard/internal/repository"
	"github.com/mmeshcher/eventcard/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterOperator(ctx context.Context, login, password string) (int64, error)
	AuthenticateOperator(ctx context.Context, login, password string) (int64, error)

	RegisterCard(ctx context.Context, in ledger.NewCard) (*model.Card, error)
	GetCard(ctx context.Context, id string) (*model.Card, error)
	UpdateCardHolder(ctx context.Context, id, name, phone string) (*model.Card, error)
	QuoteRecharge(ctx context.Context, id, amount string) (*ledger.Quote, error)
	Recharge(ctx context.Context, id, amount string) (*model.Transaction, error)
	QuoteDebit(ctx context.Context, id, amount string) (*ledger.Quote, error)
	Debit(ctx context.Context, id, amount string) (*model.Transaction, error)
	Transactions(ctx context.Context, id string) ([]model.Transaction, error)
	Verify(ctx context.Context, id string) (*ledger.Report, error)

	CreateProduct(ctx context.Context, in service.ProductInput) (*model.Product, error)
	UpdateProduct(ctx context.Context, id int64, in service.ProductInput) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context, onlyAvailable bool) ([]model.Product, error)

	Checkout(ctx context.Context, req ledger.CheckoutRequest) (*model.Sale, error)
	ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error)
	MarkDelivered(ctx context.Context, saleID int64) (*model.Sale, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	allowedOrigins []string
}

// Option настраивает Handler.
type Option func(*Handler)

// WithAllowedOrigins разрешает CORS-запросы с cookie только с источников origins.
// Без этой опции кросс-доменные запросы не разрешаются.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.allowedOrigins = origins
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register регистрирует оператора кассы и открывает ему сессию.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.service.RegisterOperator(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

// Login проверяет логин и пароль оператора и открывает сессию.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operatorID, err := h.service.AuthenticateOperator(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login operator error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, operatorID)
	w.WriteHeader(http.StatusOK)
}

// Health отвечает 200, если процесс принимает запросы.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor сопоставляет ошибку бизнес-логики HTTP-статусу.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrLedgerWriteFailed):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrIdentifierRequired),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidProduct):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrCardNotFound),
		errors.Is(err, ledger.ErrProductNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrSaleNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrCardExists),
		errors.Is(err, ledger.ErrStockUnavailable),
		errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает понятным сообщением. Ошибки 5xx пишутся в журнал с полями fields.
func (h *Handler) writeError(w http.ResponseWriter, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeMessage(w, status, err.Error())
		return
	}

	h.logger.Error("request failed", append(fields, zap.Error(err))...)

	switch {
	case errors.Is(err, ledger.ErrLedgerWriteFailed):
		writeMessage(w, status, "the operation could not be recorded, please try again")
	case errors.Is(err, ledger.ErrLookupFailed):
		writeMessage(w, status, "card lookup failed, please try again")
	default:
		writeMessage(w, status, "temporary failure, please try again")
	}
}
