// profile.go — профиль пользователя, смена пароля и удаление аккаунта.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/service"
)

// ProfileHandler — endpoints профиля.
type ProfileHandler struct {
	responder
	accounts AccountManager
}

// NewProfileHandler создаёт обработчик профиля.
func NewProfileHandler(accounts AccountManager, dev bool, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{
		responder: responder{logger: logger.With(slog.String("component", "profile_handler")), dev: dev},
		accounts:  accounts,
	}
}

type updateProfileRequest struct {
	Username *string `json:"username" validate:"omitnil,min=3,max=50,username"`
	Email    *string `json:"email" validate:"omitnil,email,max=255"`
	FullName *string `json:"fullName" validate:"omitnil,max=100"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=72"`
}

// passwordRequest — подтверждение опасной операции паролем.
type passwordRequest struct {
	Password string `json:"password" validate:"required"`
}

// GetProfile — GET /api/v1/profile.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	u, err := h.accounts.Profile(r.Context(), user.ID)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка получения профиля")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(u))
}

// UpdateProfile — PUT /api/v1/profile.
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	var req updateProfileRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Username == nil && req.Email == nil && req.FullName == nil {
		apierrors.ValidationError(w, "Нет изменяемых полей: ожидается username, email или fullName")
		return
	}

	u, err := h.accounts.UpdateProfile(r.Context(), user.ID, service.ProfileUpdate{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
	})
	if err != nil {
		h.serviceError(w, r, err, "Ошибка обновления профиля")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(u))
}

// ChangePassword — PUT /api/v1/profile/password.
// Прежние токены отзываются, в ответе новая пара.
func (h *ProfileHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	var req changePasswordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	pair, err := h.accounts.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка смены пароля")
		return
	}
	writeJSON(w, http.StatusOK, mapTokens(pair))
}

// DeleteAccount — DELETE /api/v1/user/account.
func (h *ProfileHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	var req passwordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	report, err := h.accounts.DeleteAccount(r.Context(), user.ID, req.Password)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка удаления аккаунта")
		return
	}
	writeJSON(w, http.StatusOK, mapDeletion(report))
}
