// Пакет errors — конструкторы стандартных ошибок API.
// Единый формат: {"error": {"code": "...", "message": "...", "details": [...]}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeTokenMissing       = "TOKEN_MISSING"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountDisabled    = "ACCOUNT_DISABLED"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnavailable        = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Detail — ошибка конкретного поля запроса.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details ...Detail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string, details ...Detail) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message, details...)
}

// TokenMissing — 401 токен не передан.
func TokenMissing(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeTokenMissing, message)
}

// TokenExpired — 401 срок действия токена истёк.
func TokenExpired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeTokenExpired, message)
}

// TokenInvalid — 403 токен некорректен или отозван.
func TokenInvalid(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeTokenInvalid, message)
}

// InvalidCredentials — 401 неверный email или пароль.
func InvalidCredentials(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, message)
}

// AccountDisabled — 403 аккаунт отключён.
func AccountDisabled(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeAccountDisabled, message)
}

// AccountLocked — 423 аккаунт заблокирован. Нулевой until — без Retry-After.
func AccountLocked(w http.ResponseWriter, message string, until time.Time) {
	if !until.IsZero() {
		secs := int(time.Until(until).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteError(w, http.StatusLocked, CodeAccountLocked, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Conflict — 409 конфликт.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// PayloadTooLarge — 413 превышен допустимый размер.
func PayloadTooLarge(w http.ResponseWriter, message string, details ...Detail) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message, details...)
}

// RateLimited — 429 слишком много запросов.
func RateLimited(w http.ResponseWriter, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// Unavailable — 503 сервис временно не принимает запросы.
func Unavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeUnavailable, message)
}

// InternalError — 500 внутренняя ошибка сервера.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
