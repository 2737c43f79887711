package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/audioscribe/internal/domain/model"
)

// UserRepository — интерфейс CRUD для таблицы users.
type UserRepository interface {
	// Create создаёт пользователя. Email приводится к нижнему регистру.
	Create(ctx context.Context, u *model.User) error
	// GetByID возвращает пользователя по UUID.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetByEmail ищет пользователя по email без учёта регистра.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// FindByUsernameOrEmail — одна выборка по имени или email, для проверки дублей.
	FindByUsernameOrEmail(ctx context.Context, username, email string) ([]*model.User, error)
	// RegisterLoginFailure атомарно увеличивает счётчик неудачных попыток
	// и устанавливает блокировку при достижении порога.
	RegisterLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (*LoginFailureState, error)
	// RegisterLoginSuccess сбрасывает счётчик и блокировку, фиксирует время входа.
	RegisterLoginSuccess(ctx context.Context, id string) error
	// UpdateProfile обновляет username, email и full_name.
	UpdateProfile(ctx context.Context, u *model.User) error
	// UpdatePassword меняет хэш пароля и увеличивает token_epoch.
	UpdatePassword(ctx context.Context, id, passwordHash string) (int, error)
	// IncrementTokenEpoch увеличивает token_epoch и возвращает новое значение.
	IncrementTokenEpoch(ctx context.Context, id string) (int, error)
	// Delete удаляет пользователя.
	Delete(ctx context.Context, id string) error
}

// LoginFailureState — состояние счётчика после неудачной попытки входа.
type LoginFailureState struct {
	Attempts  int
	LockUntil *time.Time
}

// userRepo — реализация UserRepository.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, username, email, password_hash, full_name, is_active,
	failed_login_attempts, lock_until, token_epoch, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName, &u.IsActive,
		&u.FailedLoginAttempts, &u.LockUntil, &u.TokenEpoch, &u.LastLoginAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// userConflictError уточняет, какое из уникальных полей нарушено.
func userConflictError(err error) error {
	if strings.Contains(constraintName(err), "email") {
		return fmt.Errorf("%w: пользователь с таким email уже существует", ErrConflict)
	}
	return fmt.Errorf("%w: пользователь с таким именем уже существует", ErrConflict)
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	u.Email = strings.ToLower(u.Email)
	query := `
		INSERT INTO users (id, username, email, password_hash, full_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING failed_login_attempts, token_epoch, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FullName, u.IsActive,
	).Scan(&u.FailedLoginAttempts, &u.TokenEpoch, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return userConflictError(err)
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя по email: %w", err)
	}
	return u, nil
}

func (r *userRepo) FindByUsernameOrEmail(ctx context.Context, username, email string) ([]*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE username = $1 OR email = $2 LIMIT 2`, userColumns)
	rows, err := r.db.Query(ctx, query, username, strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// RegisterLoginFailure: если предыдущая блокировка истекла, счётчик
// начинается заново с 1.
func (r *userRepo) RegisterLoginFailure(ctx context.Context, id string, maxAttempts int, lockFor time.Duration) (*LoginFailureState, error) {
	query := `
		UPDATE users SET
			failed_login_attempts = CASE
				WHEN lock_until IS NOT NULL AND lock_until <= NOW() THEN 1
				ELSE failed_login_attempts + 1
			END,
			lock_until = CASE
				WHEN (CASE
						WHEN lock_until IS NOT NULL AND lock_until <= NOW() THEN 1
						ELSE failed_login_attempts + 1
					END) >= $2 THEN NOW() + make_interval(secs => $3)
				WHEN lock_until IS NOT NULL AND lock_until <= NOW() THEN NULL
				ELSE lock_until
			END
		WHERE id = $1
		RETURNING failed_login_attempts, lock_until`

	st := &LoginFailureState{}
	err := r.db.QueryRow(ctx, query, id, maxAttempts, lockFor.Seconds()).Scan(&st.Attempts, &st.LockUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка учёта неудачного входа: %w", err)
	}
	return st, nil
}

func (r *userRepo) RegisterLoginSuccess(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, lock_until = NULL, last_login_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка учёта успешного входа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) UpdateProfile(ctx context.Context, u *model.User) error {
	u.Email = strings.ToLower(u.Email)
	query := `
		UPDATE users
		SET username = $2, email = $3, full_name = $4
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query, u.ID, u.Username, u.Email, u.FullName).Scan(&u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return userConflictError(err)
		}
		return fmt.Errorf("ошибка обновления профиля: %w", err)
	}
	return nil
}

func (r *userRepo) UpdatePassword(ctx context.Context, id, passwordHash string) (int, error) {
	query := `
		UPDATE users
		SET password_hash = $2, token_epoch = token_epoch + 1
		WHERE id = $1
		RETURNING token_epoch`

	var epoch int
	if err := r.db.QueryRow(ctx, query, id, passwordHash).Scan(&epoch); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка смены пароля: %w", err)
	}
	return epoch, nil
}

func (r *userRepo) IncrementTokenEpoch(ctx context.Context, id string) (int, error) {
	query := `UPDATE users SET token_epoch = token_epoch + 1 WHERE id = $1 RETURNING token_epoch`

	var epoch int
	if err := r.db.QueryRow(ctx, query, id).Scan(&epoch); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка обновления token_epoch: %w", err)
	}
	return epoch, nil
}

func (r *userRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
