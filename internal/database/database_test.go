package database

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/audioscribe/internal/config"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("audioscribe_test"),
		postgres.WithUsername("audioscribe"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("AS_DB_HOST", host)
	t.Setenv("AS_DB_PORT", port.Port())
	t.Setenv("AS_DB_NAME", "audioscribe_test")
	t.Setenv("AS_DB_USER", "audioscribe")
	t.Setenv("AS_DB_PASSWORD", "test-password")
	t.Setenv("AS_DB_SSL_MODE", "disable")
	t.Setenv("AS_PROVIDER", "deepgram")
	t.Setenv("AS_DEEPGRAM_API_KEY", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestMigrateURL(t *testing.T) {
	cfg := &config.Config{
		DBHost: "db", DBPort: 5433, DBName: "audioscribe",
		DBUser: "as", DBPassword: "p/w", DBSSLMode: "require",
	}
	got := migrateURL(cfg)
	if !strings.HasPrefix(got, "pgx5://as:p%2Fw@db:5433/audioscribe") {
		t.Errorf("migrateURL() = %q", got)
	}
	if !strings.HasSuffix(got, "sslmode=require") {
		t.Errorf("migrateURL() = %q, ожидается sslmode=require", got)
	}
}

// TestMigrate проверяет применение миграций и идемпотентность повторного запуска.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := testLogger()

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"users", "transcriptions"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("Ошибка проверки таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Таблица %s не создана", table)
		}
	}

	if got, want := pool.Config().MaxConns, int32(cfg.ProviderConcurrency+connHeadroom); got < want {
		t.Errorf("MaxConns = %d, ожидается не меньше %d", got, want)
	}
	var appName string
	if err := pool.QueryRow(ctx, `SHOW application_name`).Scan(&appName); err != nil {
		t.Fatalf("SHOW application_name: %v", err)
	}
	if appName != applicationName {
		t.Errorf("application_name = %q, ожидается %q", appName, applicationName)
	}

	checker := NewReadinessChecker(pool)
	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady() = %q (%s), ожидали ok", status, msg)
	}
}
