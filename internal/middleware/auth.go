// Package middleware содержит HTTP middleware сервиса карт мероприятия.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"

const (
	authCookieName = "operator_session"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware — охранник защищённых маршрутов: получает идентификатор
// оператора из подписанного cookie или отвечает 401.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой secret заменяется случайным
// ключом, и сессии не переживают перезапуск процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("middleware: generate session key: " + err.Error())
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware пропускает запрос дальше только с действительной сессией оператора.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorID, ok := a.Authenticate(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate возвращает идентификатор оператора из cookie запроса.
func (a *AuthMiddleware) Authenticate(r *http.Request) (int64, bool) {
	cookie, err := r.Cookie(authCookieName)
	if err != nil {
		return 0, false
	}
	return a.parse(cookie.Value)
}

// SetAuthCookie выдаёт оператору cookie сессии.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, operatorID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(strconv.FormatInt(operatorID, 10)),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) sign(id string) string {
	return id + "." + hex.EncodeToString(a.mac(id))
}

func (a *AuthMiddleware) mac(id string) []byte {
	m := hmac.New(sha256.New, a.secretKey)
	m.Write([]byte(id))
	return m.Sum(nil)
}

func (a *AuthMiddleware) parse(value string) (int64, bool) {
	idStr, signature, found := strings.Cut(value, ".")
	if !found {
		return 0, false
	}

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, a.mac(idStr)) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetOperatorIDFromContext извлекает идентификатор оператора из контекста запроса.
func GetOperatorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
