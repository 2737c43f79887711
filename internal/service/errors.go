// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound — ресурс не найден (или принадлежит другому пользователю).
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidCredentials — неверный email или пароль.
	ErrInvalidCredentials = errors.New("неверный email или пароль")
	// ErrAccountLocked — аккаунт временно заблокирован после неудачных попыток входа.
	ErrAccountLocked = errors.New("аккаунт временно заблокирован")
	// ErrAccountDisabled — аккаунт отключён.
	ErrAccountDisabled = errors.New("аккаунт отключён")
	// ErrNotReady — распознавание ещё не завершено.
	ErrNotReady = errors.New("распознавание ещё не завершено")
	// ErrShuttingDown — сервис останавливается и не принимает новые задачи.
	ErrShuttingDown = errors.New("сервис останавливается")
)

// LockedError — аккаунт заблокирован до Until.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s до %s", ErrAccountLocked.Error(), e.Until.UTC().Format(time.RFC3339))
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrAccountLocked).
func (e *LockedError) Unwrap() error {
	return ErrAccountLocked
}
