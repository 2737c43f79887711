// Точка входа audioscribe — сервис распознавания речи из аудиозаписей.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт хранилище аудио, провайдера распознавания, сервисный слой и API handlers,
// запускает фоновые задачи (reaper, topologymetrics), HTTP-сервер и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/bigkaa/audioscribe/internal/api/handlers"
	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/auth"
	"github.com/bigkaa/audioscribe/internal/config"
	"github.com/bigkaa/audioscribe/internal/database"
	"github.com/bigkaa/audioscribe/internal/ingest"
	"github.com/bigkaa/audioscribe/internal/provider"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/server"
	"github.com/bigkaa/audioscribe/internal/service"
	"github.com/bigkaa/audioscribe/internal/storage"
	"github.com/bigkaa/audioscribe/internal/storage/filestore"
	"github.com/bigkaa/audioscribe/internal/storage/objectstore"
)

func main() {
	// 0. Переменные из .env (если файл есть) не перекрывают окружение
	envErr := godotenv.Load()

	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("audioscribe запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("env", cfg.Env),
		slog.String("provider", cfg.Provider),
		slog.String("storage", cfg.StorageBackend),
	)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("Ошибка чтения .env", slog.String("error", envErr.Error()))
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Ключ подписи токенов
	signingKey, generated, err := auth.LoadOrGenerateKey(cfg.JWTPrivateKeyPath)
	if err != nil {
		logger.Error("Ошибка загрузки ключа подписи", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if generated {
		logger.Warn("AS_JWT_PRIVATE_KEY_PATH не задан, сгенерирован временный ключ: токены не переживут перезапуск")
	}
	tokens, err := auth.NewTokenManager(signingKey, cfg.JWTIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		logger.Error("Ошибка инициализации токенов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	hasher, err := auth.NewPasswordHasher(0)
	if err != nil {
		logger.Error("Ошибка инициализации bcrypt", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Ключ подписи загружен", slog.String("kid", tokens.KeyID()))

	// 6. Хранилище аудио
	store, err := newAudioStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища аудио", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Провайдер распознавания (один экземпляр на процесс)
	prov, err := provider.New(cfg, logger)
	if err != nil {
		logger.Error("Ошибка создания провайдера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Repositories
	userRepo := repository.NewUserRepository(pool)
	transcriptionRepo := repository.NewTranscriptionRepository(pool)
	purger := repository.NewAccountPurger(repository.NewTxRunner(pool))

	// 9. Services
	userCache := service.NewUserCache(cfg.UserCacheSize, cfg.UserCacheTTL)
	accountSvc := service.NewAccountService(
		userRepo,
		purger,
		store,
		hasher,
		tokens,
		userCache,
		service.AccountConfig{
			MaxLoginAttempts: cfg.LoginMaxAttempts,
			LockDuration:     cfg.LoginLockDuration,
		},
		logger,
	)
	transcriptionSvc := service.NewTranscriptionService(transcriptionRepo, userRepo, store, hasher, logger)
	lifecycle := service.NewLifecycle(
		transcriptionRepo,
		store,
		ingest.New(cfg.MaxUploadSize),
		prov,
		service.LifecycleConfig{
			ProviderTimeout: cfg.ProviderTimeout,
			Concurrency:     cfg.ProviderConcurrency,
		},
		logger,
	)

	// 10. Handlers и middleware
	dev := cfg.IsDevelopment()
	h := server.Handlers{
		Health:         handlers.NewHealthHandler(database.NewReadinessChecker(pool), store),
		Auth:           handlers.NewAuthHandler(accountSvc, tokens, dev, logger),
		Profile:        handlers.NewProfileHandler(accountSvc, dev, logger),
		Transcriptions: handlers.NewTranscriptionsHandler(lifecycle, transcriptionSvc, cfg.MaxUploadSize, dev, logger),
	}
	jwtAuth := middleware.NewJWTAuth(accountSvc, logger)
	limiter := middleware.NewRateLimiter(cfg.AuthRatePerMinute, cfg.AuthRateBurst, logger)

	// 11. Фоновая задача: перевод зависших записей в failed
	reaper := service.NewReaperService(transcriptionRepo, store, cfg.StaleProcessingAfter, cfg.ReaperInterval, logger)
	reaper.Start(ctx)

	// 12. topologymetrics — мониторинг зависимостей (PostgreSQL + провайдер)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:          "audioscribe",
		Group:              cfg.DephealthGroup,
		PgConnURL:          cfg.DatabaseURL(),
		ProviderName:       prov.Name(),
		ProviderURL:        cfg.ProviderURL(),
		ProviderHealthPath: cfg.ProviderHealthPath,
		CheckInterval:      cfg.DephealthCheckInterval,
		IsEntry:            cfg.DephealthIsEntry,
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, h, jwtAuth, limiter)
	runErr := srv.Run()
	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
	}

	// 14. Graceful shutdown фоновых задач.
	// Незавершённые распознавания получают время до AS_SHUTDOWN_TIMEOUT,
	// после чего отменяются и переводятся в failed.
	logger.Info("Останавливаем фоновые задачи...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Не все распознавания завершились до остановки", slog.String("error", err.Error()))
	}

	reaper.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("audioscribe остановлен")
	if runErr != nil {
		os.Exit(1)
	}
}

// newAudioStore создаёт хранилище аудио по AS_STORAGE_BACKEND.
func newAudioStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.AudioStore, error) {
	if cfg.StorageBackend == config.StorageMinIO {
		s, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Хранилище аудио: MinIO",
			slog.String("endpoint", s.EndpointURL()),
			slog.String("bucket", cfg.MinIOBucket),
		)
		return s, nil
	}

	s, err := filestore.New(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Хранилище аудио: локальный диск", slog.String("dir", s.DataDir()))
	return s, nil
}
