// handler.go — общие помощники HTTP handlers: JSON, валидация запросов,
// маппинг ошибок сервисного слоя в ответы API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/ingest"
	"github.com/bigkaa/audioscribe/internal/service"
)

// maxJSONBody — лимит тела JSON-запроса.
const maxJSONBody = 1 << 20

// Пагинация списка записей.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// usernamePattern — допустимые символы имени пользователя.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// validate — общий валидатор тел запросов.
// Имена полей в ошибках берутся из json-тегов.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// responder — общая часть handlers: логгер и режим выдачи деталей ошибок.
type responder struct {
	logger *slog.Logger
	// dev — выдавать текст внутренних ошибок клиенту
	dev bool
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает и валидирует тело запроса. При ошибке ответ уже записан.
func (h *responder) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.PayloadTooLarge(w, "Тело запроса слишком большое")
			return false
		}
		apierrors.ValidationError(w, "Некорректный JSON в теле запроса")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			apierrors.ValidationError(w, "Ошибка валидации запроса", validationDetails(verrs)...)
			return false
		}
		apierrors.ValidationError(w, err.Error())
		return false
	}
	return true
}

// validationDetails переводит ошибки validator в details ответа.
func validationDetails(verrs validator.ValidationErrors) []apierrors.Detail {
	details := make([]apierrors.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apierrors.Detail{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "обязательное поле"
	case "email":
		return "некорректный email"
	case "min":
		return "минимальная длина " + fe.Param()
	case "max":
		return "максимальная длина " + fe.Param()
	case "username":
		return "допустимы латинские буквы, цифры и символы _ . -"
	case "oneof":
		return "допустимые значения: " + fe.Param()
	case "nonblank":
		return "не может быть пустым"
	}
	return "некорректное значение"
}

// serviceError пишет ответ по ошибке сервисного слоя.
// Неизвестные ошибки логируются и отдаются как 500.
func (h *responder) serviceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var (
		locked   *service.LockedError
		ingestVE *ingest.ValidationError
		maxErr   *http.MaxBytesError
	)

	switch {
	case errors.As(err, &ingestVE):
		details := make([]apierrors.Detail, 0, len(ingestVE.Fields))
		for _, f := range ingestVE.Fields {
			details = append(details, apierrors.Detail{Field: f.Field, Message: f.Message})
		}
		if ingestVE.TooLarge {
			apierrors.PayloadTooLarge(w, "Файл превышает допустимый размер", details...)
			return
		}
		apierrors.ValidationError(w, "Файл не прошёл проверку", details...)
	case errors.As(err, &maxErr):
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Запрос превышает допустимый размер %d байт", maxErr.Limit))
	case errors.As(err, &locked):
		apierrors.AccountLocked(w, locked.Error(), locked.Until)
	case errors.Is(err, service.ErrAccountLocked):
		apierrors.AccountLocked(w, err.Error(), time.Time{})
	case errors.Is(err, service.ErrInvalidCredentials):
		apierrors.InvalidCredentials(w, "Неверный email или пароль")
	case errors.Is(err, service.ErrAccountDisabled):
		apierrors.AccountDisabled(w, "Аккаунт отключён")
	case errors.Is(err, auth.ErrTokenExpired):
		apierrors.TokenExpired(w, "Срок действия токена истёк")
	case errors.Is(err, auth.ErrTokenInvalid):
		apierrors.TokenInvalid(w, "Невалидный или отозванный токен")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Ресурс не найден")
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrNotReady):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrShuttingDown):
		apierrors.Unavailable(w, "Сервис останавливается, повторите запрос позже")
	default:
		h.logger.Error(op,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg := "Внутренняя ошибка сервера"
		if h.dev {
			msg = op + ": " + err.Error()
		}
		apierrors.InternalError(w, msg)
	}
}

// pathID извлекает идентификатор записи. Некорректный UUID — 404.
func pathID(w http.ResponseWriter, raw string) (string, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		apierrors.NotFound(w, "Ресурс не найден")
		return "", false
	}
	return id.String(), true
}

// parsePagination разбирает limit и offset из query.
func parsePagination(r *http.Request) (limit, offset int, details []apierrors.Detail) {
	limit, offset = defaultLimit, 0
	q := r.URL.Query()

	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxLimit {
			details = append(details, apierrors.Detail{
				Field:   "limit",
				Message: fmt.Sprintf("ожидается число от 1 до %d", maxLimit),
			})
		} else {
			limit = v
		}
	}
	if s := q.Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			details = append(details, apierrors.Detail{Field: "offset", Message: "ожидается неотрицательное число"})
		} else {
			offset = v
		}
	}
	return limit, offset, details
}
