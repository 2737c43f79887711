// accounts.go — регистрация, вход, сессии и управление учётной записью.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/storage"
)

// loginAttemptsTotal — попытки входа по результату.
var loginAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "as_login_attempts_total",
	Help: "Общее количество попыток входа по результату.",
}, []string{"result"})

// Purger удаляет пользователя вместе с его записями в одной транзакции.
type Purger interface {
	PurgeAccount(ctx context.Context, userID string) (*repository.OwnerPurge, error)
}

// AccountConfig — параметры защиты входа.
type AccountConfig struct {
	// MaxLoginAttempts — число неудачных попыток до блокировки
	MaxLoginAttempts int
	// LockDuration — длительность блокировки
	LockDuration time.Duration
}

// AccountService — учётные записи и сессии.
type AccountService struct {
	users  repository.UserRepository
	purger Purger
	store  storage.AudioStore
	hasher *auth.PasswordHasher
	tokens *auth.TokenManager
	cache  *UserCache
	cfg    AccountConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountService создаёт сервис учётных записей.
func NewAccountService(
	users repository.UserRepository,
	purger Purger,
	store storage.AudioStore,
	hasher *auth.PasswordHasher,
	tokens *auth.TokenManager,
	cache *UserCache,
	cfg AccountConfig,
	logger *slog.Logger,
) *AccountService {
	if cache == nil {
		cache = NewUserCache(0, 0)
	}
	return &AccountService{
		users:  users,
		purger: purger,
		store:  store,
		hasher: hasher,
		tokens: tokens,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "account_service")),
		now:    time.Now,
	}
}

// RegisterParams — данные регистрации.
type RegisterParams struct {
	Username string
	Email    string
	Password string
	FullName string
}

// ProfileUpdate — изменяемые поля профиля. nil — не менять.
type ProfileUpdate struct {
	Username *string
	Email    *string
	FullName *string
}

// LoginResult — результат успешного входа.
type LoginResult struct {
	User   *model.User
	Tokens *auth.TokenPair
}

// DeletionReport — итог удаления аккаунта.
type DeletionReport struct {
	TranscriptionsDeleted int
	FilesDeleted          int
	FilesFailed           int
}

// Register создаёт пользователя. Токены не выдаются.
func (s *AccountService) Register(ctx context.Context, p RegisterParams) (*model.User, error) {
	username := strings.TrimSpace(p.Username)
	email := strings.ToLower(strings.TrimSpace(p.Email))

	existing, err := s.users.FindByUsernameOrEmail(ctx, username, email)
	if err != nil {
		return nil, fmt.Errorf("проверка уникальности: %w", err)
	}
	for _, u := range existing {
		if u.Email == email {
			return nil, fmt.Errorf("%w: пользователь с таким email уже существует", ErrConflict)
		}
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: пользователь с таким именем уже существует", ErrConflict)
	}

	hash, err := s.hasher.Hash(p.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(p.FullName),
		IsActive:     true,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, conflictDetail(err))
		}
		return nil, fmt.Errorf("создание пользователя: %w", err)
	}

	s.logger.Info("Пользователь зарегистрирован",
		slog.String("user_id", u.ID),
		slog.String("username", u.Username),
	)
	return u, nil
}

// Login проверяет пароль и выдаёт пару токенов.
// Неизвестный email и неверный пароль неразличимы для клиента.
func (s *AccountService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	now := s.now()

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.VerifyDummy(password)
			loginAttemptsTotal.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("поиск пользователя: %w", err)
	}

	if u.IsLocked(now) {
		loginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, &LockedError{Until: *u.LockUntil}
	}

	if !s.hasher.Verify(u.PasswordHash, password) {
		state, err := s.users.RegisterLoginFailure(ctx, u.ID, s.cfg.MaxLoginAttempts, s.cfg.LockDuration)
		if err != nil {
			return nil, fmt.Errorf("учёт неудачной попытки: %w", err)
		}
		if state.LockUntil != nil && state.LockUntil.After(now) {
			s.logger.Warn("Аккаунт заблокирован после неудачных попыток входа",
				slog.String("user_id", u.ID),
				slog.Int("attempts", state.Attempts),
				slog.Time("lock_until", *state.LockUntil),
			)
			loginAttemptsTotal.WithLabelValues("locked").Inc()
			return nil, &LockedError{Until: *state.LockUntil}
		}
		loginAttemptsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}

	if !u.IsActive {
		loginAttemptsTotal.WithLabelValues("disabled").Inc()
		return nil, ErrAccountDisabled
	}

	if err := s.users.RegisterLoginSuccess(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("фиксация входа: %w", err)
	}
	u.FailedLoginAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &now

	pair, err := s.tokens.Issue(u.ID, u.TokenEpoch)
	if err != nil {
		return nil, err
	}
	s.cache.Delete(u.ID)

	loginAttemptsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Вход выполнен", slog.String("user_id", u.ID))
	return &LoginResult{User: u, Tokens: pair}, nil
}

// Refresh обменивает refresh-токен на новую пару.
func (s *AccountService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := s.tokens.Parse(ctx, refreshToken, auth.TokenRefresh)
	if err != nil {
		return nil, err
	}

	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, auth.ErrTokenInvalid
		}
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	if err := checkSession(u, claims); err != nil {
		return nil, err
	}
	return s.tokens.Issue(u.ID, u.TokenEpoch)
}

// Authenticate проверяет access-токен и возвращает его владельца.
// Пользователь читается через кэш.
func (s *AccountService) Authenticate(ctx context.Context, accessToken string) (*model.User, error) {
	claims, err := s.tokens.Parse(ctx, accessToken, auth.TokenAccess)
	if err != nil {
		return nil, err
	}

	u, ok := s.cache.Get(claims.Subject)
	if !ok {
		gen := s.cache.Generation()
		u, err = s.users.GetByID(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: пользователь не существует", auth.ErrTokenInvalid)
			}
			return nil, fmt.Errorf("получение пользователя: %w", err)
		}
		s.cache.Set(u, gen)
	}

	if err := checkSession(u, claims); err != nil {
		return nil, err
	}
	return u, nil
}

// checkSession сверяет epoch токена и активность пользователя.
func checkSession(u *model.User, claims *auth.Claims) error {
	if !u.IsActive {
		return fmt.Errorf("%w: аккаунт отключён", auth.ErrTokenInvalid)
	}
	if claims.Epoch != u.TokenEpoch {
		return fmt.Errorf("%w: токен отозван", auth.ErrTokenInvalid)
	}
	return nil
}

// LogoutAll отзывает все выданные пользователю токены.
func (s *AccountService) LogoutAll(ctx context.Context, userID string) error {
	epoch, err := s.users.IncrementTokenEpoch(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("отзыв токенов: %w", err)
	}
	s.cache.Delete(userID)

	s.logger.Info("Все сессии пользователя завершены",
		slog.String("user_id", userID),
		slog.Int("token_epoch", epoch),
	)
	return nil
}

// ChangePassword меняет пароль, отзывает прежние токены и выдаёт новую пару.
func (s *AccountService) ChangePassword(ctx context.Context, userID, current, next string) (*auth.TokenPair, error) {
	u, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(u.PasswordHash, current) {
		return nil, ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}

	epoch, err := s.users.UpdatePassword(ctx, userID, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("смена пароля: %w", err)
	}
	s.cache.Delete(userID)

	s.logger.Info("Пароль изменён", slog.String("user_id", userID))
	return s.tokens.Issue(userID, epoch)
}

// Profile возвращает пользователя по ID.
func (s *AccountService) Profile(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	return u, nil
}

// UpdateProfile меняет username, email и full name.
// При конфликте уникальности ничего не записывается.
func (s *AccountService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*model.User, error) {
	u, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Username != nil {
		u.Username = strings.TrimSpace(*upd.Username)
	}
	if upd.Email != nil {
		u.Email = strings.ToLower(strings.TrimSpace(*upd.Email))
	}
	if upd.FullName != nil {
		u.FullName = strings.TrimSpace(*upd.FullName)
	}

	if err := s.users.UpdateProfile(ctx, u); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: %s", ErrConflict, conflictDetail(err))
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("обновление профиля: %w", err)
	}
	s.cache.Delete(userID)
	return u, nil
}

// DeleteAccount удаляет пользователя и все его записи после проверки пароля.
// Файлы удаляются после коммита; ошибки удаления только логируются.
func (s *AccountService) DeleteAccount(ctx context.Context, userID, password string) (*DeletionReport, error) {
	u, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	purge, err := s.purger.PurgeAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("удаление аккаунта: %w", err)
	}
	s.cache.Delete(userID)

	report := &DeletionReport{TranscriptionsDeleted: purge.Deleted}
	// Удаление файлов не зависит от отмены запроса клиентом
	fileCtx := context.WithoutCancel(ctx)
	for _, ref := range purge.StorageRefs {
		if err := s.store.Delete(fileCtx, ref); err != nil {
			report.FilesFailed++
			s.logger.Error("Ошибка удаления аудиофайла при удалении аккаунта",
				slog.String("user_id", userID),
				slog.String("storage_ref", ref),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.FilesDeleted++
	}

	s.logger.Info("Аккаунт удалён",
		slog.String("user_id", userID),
		slog.Int("transcriptions_deleted", report.TranscriptionsDeleted),
		slog.Int("files_deleted", report.FilesDeleted),
		slog.Int("files_failed", report.FilesFailed),
	)
	return report, nil
}

// conflictDetail извлекает пояснение из ошибки конфликта репозитория.
func conflictDetail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
