package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes — bcrypt учитывает не более 72 байт пароля.
const MaxPasswordBytes = 72

// ErrPasswordTooLong — пароль длиннее MaxPasswordBytes.
var ErrPasswordTooLong = errors.New("пароль длиннее 72 байт")

// PasswordHasher — хэширование паролей bcrypt.
type PasswordHasher struct {
	cost int
	// dummy — хэш для сравнения, когда пользователь не найден,
	// чтобы время ответа не выдавало существование email.
	dummy []byte
}

// NewPasswordHasher создаёт хэшер с указанной стоимостью bcrypt.
// cost <= 0 означает bcrypt.DefaultCost.
func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("audioscribe-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации bcrypt: %w", err)
	}
	return &PasswordHasher{cost: cost, dummy: dummy}, nil
}

// Hash возвращает bcrypt-хэш пароля.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("ошибка хэширования пароля: %w", err)
	}
	return string(hash), nil
}

// Verify сравнивает пароль с хэшем.
func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy выполняет сравнение с фиктивным хэшем и всегда возвращает false.
func (h *PasswordHasher) VerifyDummy(password string) bool {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
	return false
}
