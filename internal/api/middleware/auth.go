// auth.go — middleware аутентификации по Bearer access-токену.
// Проверка подписи, epoch и активности пользователя выполняется в сервисном слое.
// Пользователь помещается в контекст запроса для downstream handlers.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyUser — аутентифицированный пользователь в контексте запроса.
	ContextKeyUser contextKey = "auth_user"
)

// Authenticator проверяет access-токен и возвращает владельца.
// Реализуется service.AccountService.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.User, error)
}

// JWTAuth — middleware для JWT-аутентификации.
type JWTAuth struct {
	authenticator Authenticator
	logger        *slog.Logger
}

// NewJWTAuth создаёт JWT middleware.
func NewJWTAuth(authenticator Authenticator, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		authenticator: authenticator,
		logger:        logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Отсутствующий токен — 401 TOKEN_MISSING, истёкший — 401 TOKEN_EXPIRED,
// любой другой отказ — 403 TOKEN_INVALID.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.TokenMissing(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.TokenInvalid(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.TokenMissing(w, "Пустой Bearer token")
				return
			}

			user, err := j.authenticator.Authenticate(r.Context(), tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					apierrors.TokenExpired(w, "Срок действия токена истёк")
				case errors.Is(err, auth.ErrTokenInvalid):
					j.logger.Debug("JWT валидация не пройдена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
					apierrors.TokenInvalid(w, "Невалидный или отозванный токен")
				default:
					j.logger.Error("Ошибка проверки токена", slog.String("error", err.Error()))
					apierrors.InternalError(w, "Ошибка проверки токена")
				}
				return
			}

			noteUser(r.Context(), user.ID)
			ctx := context.WithValue(r.Context(), ContextKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// --- Context helpers ---

// UserFromContext извлекает пользователя из контекста запроса.
// Возвращает nil, если запрос не прошёл аутентификацию.
func UserFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(ContextKeyUser).(*model.User)
	return u
}

// WithUser помещает пользователя в контекст. Используется в тестах handlers.
func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, ContextKeyUser, u)
}
