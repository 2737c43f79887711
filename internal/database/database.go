// Пакет database — пул PostgreSQL для audioscribe, встроенные миграции схемы
// users/transcriptions и проверка готовности для /health/ready.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/audioscribe/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	applicationName = "audioscribe"
	// Запас соединений сверх фоновых распознаваний: HTTP-запросы и reaper
	connHeadroom = 8
	pingTimeout  = 3 * time.Second
)

// ErrDirtySchema — предыдущая миграция прервалась, схема требует ручного исправления.
var ErrDirtySchema = errors.New("схема БД в состоянии dirty")

// Connect открывает пул и проверяет доступность PostgreSQL.
// Каждое фоновое распознавание завершается записью в БД, поэтому
// размер пула не меньше AS_PROVIDER_CONCURRENCY + запас.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if need := int32(cfg.ProviderConcurrency + connHeadroom); poolCfg.MaxConns < need {
		poolCfg.MaxConns = need
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL недоступен: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// Migrate применяет встроенные миграции. Схема в состоянии dirty не
// запускается: сервис не должен работать поверх частично применённой миграции.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("версия схемы: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w: версия %d", ErrDirtySchema, version)
	}

	logger.Info("Схема БД актуальна", slog.Uint64("version", uint64(version)))
	return nil
}

// migrateURL — тот же адрес, что DatabaseURL, со схемой драйвера pgx5.
func migrateURL(cfg *config.Config) string {
	u, err := url.Parse(cfg.DatabaseURL())
	if err != nil {
		return cfg.DatabaseURL()
	}
	u.Scheme = "pgx5"
	return u.String()
}

// ReadinessChecker проверяет PostgreSQL для readiness probe.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady возвращает "fail", если ping не прошёл, и "degraded",
// когда все соединения пула заняты.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}

	stat := c.pool.Stat()
	msg := fmt.Sprintf("соединений занято %d из %d", stat.AcquiredConns(), stat.MaxConns())
	if stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns() {
		return "degraded", msg
	}
	return "ok", msg
}
