// Пакет config — загрузка и валидация конфигурации audioscribe
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения перечислимых параметров.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	StorageLocal = "local"
	StorageMinIO = "minio"

	ProviderDeepgram = "deepgram"
	ProviderOpenAI   = "openai"
)

// Config содержит все параметры конфигурации audioscribe.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Окружение: production или development (влияет на детализацию ошибок 500)
	Env string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT ---

	// Путь к PEM-файлу приватного RSA-ключа. Пустое значение — ключ
	// генерируется при старте (токены не переживают рестарт).
	JWTPrivateKeyPath string
	// Issuer выпускаемых токенов
	JWTIssuer string
	// Время жизни access-токена
	AccessTokenTTL time.Duration
	// Время жизни refresh-токена
	RefreshTokenTTL time.Duration

	// --- Вход в систему ---

	// Количество неудачных попыток входа до блокировки
	LoginMaxAttempts int
	// Длительность блокировки аккаунта
	LoginLockDuration time.Duration
	// Лимит запросов к /register, /login, /token/refresh с одного IP в минуту
	AuthRatePerMinute int
	// Burst для лимитера
	AuthRateBurst int

	// --- Кэш пользователей ---

	UserCacheSize int
	UserCacheTTL  time.Duration

	// --- Хранилище аудио ---

	// Бэкенд хранилища: local или minio
	StorageBackend string
	// Каталог для local-бэкенда
	StorageDir string
	// Максимальный размер загружаемого файла (байт)
	MaxUploadSize int64

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// --- Провайдер распознавания речи ---

	// Провайдер: deepgram или openai
	Provider string
	// Таймаут одного обращения к провайдеру
	ProviderTimeout time.Duration
	// Максимальное число одновременных фоновых задач распознавания
	ProviderConcurrency int

	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// --- Фоновые задачи ---

	// Через сколько запись в статусе processing считается зависшей
	StaleProcessingAfter time.Duration
	// Интервал запуска очистки зависших записей
	ReaperInterval time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	// Путь HTTP-проверки провайдера относительно его базового URL
	ProviderHealthPath string
	// Добавлять лейбл isentry=yes ко всем зависимостям
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (HTTP-сервер и фоновые задачи)
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AS_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("AS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AS_ENV — окружение (по умолчанию production)
	cfg.Env = getEnvDefault("AS_ENV", EnvProduction)
	if cfg.Env != EnvProduction && cfg.Env != EnvDevelopment {
		return nil, fmt.Errorf("AS_ENV: недопустимое значение %q, допустимые: production, development", cfg.Env)
	}

	// AS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AS_LOG_LEVEL: %w", err)
	}

	// AS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("AS_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("AS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("AS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("AS_DB_PASSWORD"); err != nil {
		return nil, err
	}

	// AS_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("AS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	cfg.JWTPrivateKeyPath = getEnvDefault("AS_JWT_PRIVATE_KEY_PATH", "")
	cfg.JWTIssuer = getEnvDefault("AS_JWT_ISSUER", "audioscribe")

	cfg.AccessTokenTTL, err = getEnvDuration("AS_ACCESS_TOKEN_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_ACCESS_TOKEN_TTL: %w", err)
	}
	cfg.RefreshTokenTTL, err = getEnvDuration("AS_REFRESH_TOKEN_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AS_REFRESH_TOKEN_TTL: %w", err)
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, fmt.Errorf("AS_ACCESS_TOKEN_TTL/AS_REFRESH_TOKEN_TTL: время жизни токена должно быть положительным")
	}

	// --- Вход в систему ---

	cfg.LoginMaxAttempts, err = getEnvInt("AS_LOGIN_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("AS_LOGIN_MAX_ATTEMPTS: %w", err)
	}
	if cfg.LoginMaxAttempts < 1 || cfg.LoginMaxAttempts > 100 {
		return nil, fmt.Errorf("AS_LOGIN_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-100", cfg.LoginMaxAttempts)
	}
	cfg.LoginLockDuration, err = getEnvDuration("AS_LOGIN_LOCK_DURATION", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_LOGIN_LOCK_DURATION: %w", err)
	}

	cfg.AuthRatePerMinute, err = getEnvInt("AS_AUTH_RATE_PER_MINUTE", 30)
	if err != nil {
		return nil, fmt.Errorf("AS_AUTH_RATE_PER_MINUTE: %w", err)
	}
	cfg.AuthRateBurst, err = getEnvInt("AS_AUTH_RATE_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("AS_AUTH_RATE_BURST: %w", err)
	}
	if cfg.AuthRatePerMinute < 0 || cfg.AuthRateBurst < 1 {
		return nil, fmt.Errorf("AS_AUTH_RATE_PER_MINUTE/AS_AUTH_RATE_BURST: недопустимые значения %d/%d",
			cfg.AuthRatePerMinute, cfg.AuthRateBurst)
	}

	// --- Кэш пользователей ---

	cfg.UserCacheSize, err = getEnvInt("AS_USER_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AS_USER_CACHE_SIZE: %w", err)
	}
	cfg.UserCacheTTL, err = getEnvDuration("AS_USER_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_USER_CACHE_TTL: %w", err)
	}

	// --- Хранилище аудио ---

	cfg.StorageBackend = getEnvDefault("AS_STORAGE_BACKEND", StorageLocal)
	switch cfg.StorageBackend {
	case StorageLocal:
		cfg.StorageDir = getEnvDefault("AS_STORAGE_DIR", "./data/audio")
	case StorageMinIO:
		if cfg.MinIOEndpoint, err = getEnvRequired("AS_MINIO_ENDPOINT"); err != nil {
			return nil, err
		}
		if cfg.MinIOAccessKey, err = getEnvRequired("AS_MINIO_ACCESS_KEY"); err != nil {
			return nil, err
		}
		if cfg.MinIOSecretKey, err = getEnvRequired("AS_MINIO_SECRET_KEY"); err != nil {
			return nil, err
		}
		cfg.MinIOBucket = getEnvDefault("AS_MINIO_BUCKET", "audioscribe")
		cfg.MinIOUseSSL, err = getEnvBool("AS_MINIO_USE_SSL", false)
		if err != nil {
			return nil, fmt.Errorf("AS_MINIO_USE_SSL: %w", err)
		}
	default:
		return nil, fmt.Errorf("AS_STORAGE_BACKEND: недопустимое значение %q, допустимые: local, minio", cfg.StorageBackend)
	}

	// AS_MAX_UPLOAD_SIZE — лимит размера файла (по умолчанию 50 MiB)
	cfg.MaxUploadSize, err = getEnvInt64("AS_MAX_UPLOAD_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("AS_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("AS_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// --- Провайдер ---

	cfg.Provider = getEnvDefault("AS_PROVIDER", ProviderDeepgram)
	switch cfg.Provider {
	case ProviderDeepgram:
		if cfg.DeepgramAPIKey, err = getEnvRequired("AS_DEEPGRAM_API_KEY"); err != nil {
			return nil, err
		}
		cfg.DeepgramBaseURL = strings.TrimRight(getEnvDefault("AS_DEEPGRAM_URL", "https://api.deepgram.com"), "/")
		cfg.DeepgramModel = getEnvDefault("AS_DEEPGRAM_MODEL", "nova-2")
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey, err = getEnvRequired("AS_OPENAI_API_KEY"); err != nil {
			return nil, err
		}
		cfg.OpenAIBaseURL = strings.TrimRight(getEnvDefault("AS_OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
		cfg.OpenAIModel = getEnvDefault("AS_OPENAI_MODEL", "whisper-1")
	default:
		return nil, fmt.Errorf("AS_PROVIDER: недопустимое значение %q, допустимые: deepgram, openai", cfg.Provider)
	}

	cfg.ProviderTimeout, err = getEnvDuration("AS_PROVIDER_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_PROVIDER_TIMEOUT: %w", err)
	}
	cfg.ProviderConcurrency, err = getEnvInt("AS_PROVIDER_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("AS_PROVIDER_CONCURRENCY: %w", err)
	}
	if cfg.ProviderConcurrency < 1 || cfg.ProviderConcurrency > 256 {
		return nil, fmt.Errorf("AS_PROVIDER_CONCURRENCY: значение %d вне допустимого диапазона 1-256", cfg.ProviderConcurrency)
	}

	// --- Фоновые задачи ---

	cfg.StaleProcessingAfter, err = getEnvDuration("AS_STALE_PROCESSING_AFTER", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_STALE_PROCESSING_AFTER: %w", err)
	}
	if cfg.StaleProcessingAfter <= cfg.ProviderTimeout {
		return nil, fmt.Errorf("AS_STALE_PROCESSING_AFTER: значение %s должно превышать AS_PROVIDER_TIMEOUT (%s)",
			cfg.StaleProcessingAfter, cfg.ProviderTimeout)
	}
	cfg.ReaperInterval, err = getEnvDuration("AS_REAPER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AS_REAPER_INTERVAL: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("AS_DEPHEALTH_GROUP", "audioscribe")
	cfg.DephealthCheckInterval, err = getEnvDuration("AS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.ProviderHealthPath = getEnvDefault("AS_PROVIDER_HEALTH_PATH", "/")
	if !strings.HasPrefix(cfg.ProviderHealthPath, "/") {
		return nil, fmt.Errorf("AS_PROVIDER_HEALTH_PATH: путь должен начинаться с /")
	}
	cfg.DephealthIsEntry, err = getEnvBool("AS_DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("AS_DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AS_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// IsDevelopment сообщает, запущен ли сервис в режиме разработки.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для миграций и меток topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// ProviderURL возвращает базовый URL выбранного провайдера распознавания.
func (c *Config) ProviderURL() string {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIBaseURL
	}
	return c.DeepgramBaseURL
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
