// auth.go — регистрация, вход, обновление токенов, выход со всех устройств, JWKS.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/service"
)

// AccountManager — операции с учётной записью. Реализуется service.AccountService.
type AccountManager interface {
	Register(ctx context.Context, p service.RegisterParams) (*model.User, error)
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	LogoutAll(ctx context.Context, userID string) error
	ChangePassword(ctx context.Context, userID, current, next string) (*auth.TokenPair, error)
	Profile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, upd service.ProfileUpdate) (*model.User, error)
	DeleteAccount(ctx context.Context, userID, password string) (*service.DeletionReport, error)
}

// KeySet отдаёт публичные ключи подписи. Реализуется auth.TokenManager.
type KeySet interface {
	JWKS(ctx context.Context) (json.RawMessage, error)
}

// AuthHandler — endpoints аутентификации.
type AuthHandler struct {
	responder
	accounts AccountManager
	keys     KeySet
}

// NewAuthHandler создаёт обработчик аутентификации.
func NewAuthHandler(accounts AccountManager, keys KeySet, dev bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		responder: responder{logger: logger.With(slog.String("component", "auth_handler")), dev: dev},
		accounts:  accounts,
		keys:      keys,
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50,username"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	FullName string `json:"fullName" validate:"max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// Register — POST /api/v1/register. Токены не выдаются.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.accounts.Register(r.Context(), service.RegisterParams{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		h.serviceError(w, r, err, "Ошибка регистрации")
		return
	}
	writeJSON(w, http.StatusCreated, mapUser(u))
}

// Login — POST /api/v1/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка входа")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		User:          mapUser(res.User),
		tokenResponse: mapTokens(res.Tokens),
	})
}

// Refresh — POST /api/v1/token/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка обновления токена")
		return
	}
	writeJSON(w, http.StatusOK, mapTokens(pair))
}

// LogoutAll — POST /api/v1/logout-all. Все ранее выданные токены перестают действовать.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	if err := h.accounts.LogoutAll(r.Context(), user.ID); err != nil {
		h.serviceError(w, r, err, "Ошибка завершения сессий")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JWKS — GET /.well-known/jwks.json.
func (h *AuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	raw, err := h.keys.JWKS(r.Context())
	if err != nil {
		h.serviceError(w, r, err, "Ошибка формирования JWKS")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
