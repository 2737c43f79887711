package model

import "time"

// User — учётная запись пользователя.
// Хранится в таблице users.
type User struct {
	// ID — UUID пользователя
	ID string
	// Username — уникальное имя пользователя
	Username string
	// Email — уникальный адрес (хранится в нижнем регистре)
	Email string
	// PasswordHash — bcrypt-хэш пароля, открытый текст не хранится
	PasswordHash string
	// FullName — отображаемое имя (опционально)
	FullName string
	// IsActive — false для отключённых учётных записей
	IsActive bool
	// FailedLoginAttempts — число подряд идущих неудачных попыток входа
	FailedLoginAttempts int
	// LockUntil — блокировка входа до указанного времени
	LockUntil *time.Time
	// TokenEpoch — счётчик поколений токенов, только растёт
	TokenEpoch int
	// LastLoginAt — время последнего успешного входа
	LastLoginAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsLocked сообщает, действует ли блокировка входа на момент now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}
