package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/audioscribe/internal/config"
	"github.com/bigkaa/audioscribe/internal/database"
	"github.com/bigkaa/audioscribe/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
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

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createUser(t *testing.T, repo UserRepository, username, email string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: "$2a$10$hash",
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(%s) ошибка: %v", username, err)
	}
	return u
}

func createTranscription(t *testing.T, repo TranscriptionRepository, owner *model.User, title string) *model.Transcription {
	t.Helper()
	ref := "ref/" + uuid.New().String()
	tr := &model.Transcription{
		ID:               uuid.New().String(),
		UserID:           owner.ID,
		Username:         owner.Username,
		Email:            owner.Email,
		Title:            title,
		OriginalFilename: "clip.wav",
		StorageRef:       &ref,
		MimeType:         "audio/wav",
		FileSize:         1 << 20,
		Duration:         6.5,
		Status:           model.StatusProcessing,
		Source:           model.SourceUpload,
	}
	if err := repo.Create(context.Background(), tr); err != nil {
		t.Fatalf("Create(%s) ошибка: %v", title, err)
	}
	return tr
}

// --- Тесты UserRepository ---

func TestUserRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepository(pool)

	alice := createUser(t, repo, "alice", "Alice@Example.com")
	if alice.Email != "alice@example.com" {
		t.Errorf("Email = %q, хотели нижний регистр", alice.Email)
	}
	if alice.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// Дубликат email без учёта регистра
	dup := &model.User{ID: uuid.New().String(), Username: "alice2", Email: "ALICE@example.com", PasswordHash: "x", IsActive: true}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() с дублем email: err = %v, хотели ErrConflict", err)
	}

	got, err := repo.GetByEmail(ctx, "ALICE@EXAMPLE.COM")
	if err != nil {
		t.Fatalf("GetByEmail() ошибка: %v", err)
	}
	if got.ID != alice.ID {
		t.Errorf("GetByEmail() ID = %q, хотели %q", got.ID, alice.ID)
	}

	found, err := repo.FindByUsernameOrEmail(ctx, "alice", "nobody@example.com")
	if err != nil || len(found) != 1 {
		t.Fatalf("FindByUsernameOrEmail() = %d записей, err = %v", len(found), err)
	}

	if _, err := repo.GetByID(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() несуществующего: err = %v, хотели ErrNotFound", err)
	}

	// Блокировка после 3 попыток
	for i := 1; i <= 3; i++ {
		st, err := repo.RegisterLoginFailure(ctx, alice.ID, 3, time.Minute)
		if err != nil {
			t.Fatalf("RegisterLoginFailure() ошибка: %v", err)
		}
		if st.Attempts != i {
			t.Errorf("Attempts = %d, хотели %d", st.Attempts, i)
		}
		if (st.LockUntil != nil) != (i == 3) {
			t.Errorf("попытка %d: LockUntil = %v", i, st.LockUntil)
		}
	}

	if err := repo.RegisterLoginSuccess(ctx, alice.ID); err != nil {
		t.Fatalf("RegisterLoginSuccess() ошибка: %v", err)
	}
	got, _ = repo.GetByID(ctx, alice.ID)
	if got.FailedLoginAttempts != 0 || got.LockUntil != nil || got.LastLoginAt == nil {
		t.Errorf("после успешного входа: attempts=%d lock=%v last=%v",
			got.FailedLoginAttempts, got.LockUntil, got.LastLoginAt)
	}

	epoch, err := repo.IncrementTokenEpoch(ctx, alice.ID)
	if err != nil || epoch != 1 {
		t.Errorf("IncrementTokenEpoch() = %d, %v; хотели 1", epoch, err)
	}
	epoch, err = repo.UpdatePassword(ctx, alice.ID, "$2a$10$new")
	if err != nil || epoch != 2 {
		t.Errorf("UpdatePassword() = %d, %v; хотели 2", epoch, err)
	}

	bob := createUser(t, repo, "bob", "bob@example.com")
	bob.Username = "alice"
	if err := repo.UpdateProfile(ctx, bob); !errors.Is(err, ErrConflict) {
		t.Errorf("UpdateProfile() с занятым именем: err = %v, хотели ErrConflict", err)
	}
	stored, _ := repo.GetByID(ctx, bob.ID)
	if stored.Username != "bob" {
		t.Errorf("после конфликта Username = %q, хотели bob", stored.Username)
	}
}

// --- Тесты TranscriptionRepository ---

func TestTranscriptionRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	repo := NewTranscriptionRepository(pool)

	owner := createUser(t, users, "owner", "owner@example.com")
	other := createUser(t, users, "other", "other@example.com")

	meeting := createTranscription(t, repo, owner, "Weekly meeting")
	lecture := createTranscription(t, repo, owner, "Lecture 100%")
	createTranscription(t, repo, other, "Other meeting")

	// Чужую запись не видно
	if _, err := repo.GetByID(ctx, other.ID, meeting.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() чужой записи: err = %v, хотели ErrNotFound", err)
	}

	search := "meeting"
	list, err := repo.List(ctx, TranscriptionListFilters{UserID: owner.ID, Search: &search}, 10, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].ID != meeting.ID {
		t.Errorf("List(search=meeting) = %d записей, хотели 1", len(list))
	}

	percent := "100%"
	count, err := repo.Count(ctx, TranscriptionListFilters{UserID: owner.ID, Search: &percent})
	if err != nil || count != 1 {
		t.Errorf("Count(search=100%%) = %d, %v; хотели 1", count, err)
	}

	// Текст нельзя менять, пока запись в processing
	text := "edited"
	if _, err := repo.UpdateDetails(ctx, owner.ID, meeting.ID, DetailsUpdate{Transcription: &text}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDetails(transcription) в processing: err = %v", err)
	}

	err = repo.Complete(ctx, meeting.ID, CompletionResult{
		Transcription: "hello world",
		Confidence:    0.93,
		Duration:      7.2,
		Metadata:      map[string]any{"request_id": "req-1"},
	})
	if err != nil {
		t.Fatalf("Complete() ошибка: %v", err)
	}
	// Повторный переход запрещён
	if err := repo.Fail(ctx, meeting.ID, "late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fail() после Complete: err = %v, хотели ErrNotFound", err)
	}

	got, err := repo.GetByID(ctx, owner.ID, meeting.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.Status != model.StatusCompleted || got.Transcription != "hello world" || got.Duration != 7.2 {
		t.Errorf("после Complete: %+v", got)
	}
	if got.ProviderMetadata["request_id"] != "req-1" {
		t.Errorf("ProviderMetadata = %v", got.ProviderMetadata)
	}

	updated, err := repo.UpdateDetails(ctx, owner.ID, meeting.ID, DetailsUpdate{Transcription: &text})
	if err != nil || updated.Transcription != "edited" || updated.Title != "Weekly meeting" {
		t.Errorf("UpdateDetails() = %+v, %v", updated, err)
	}

	if err := repo.Fail(ctx, lecture.ID, "provider timeout"); err != nil {
		t.Fatalf("Fail() ошибка: %v", err)
	}
	failed, _ := repo.GetByID(ctx, owner.ID, lecture.ID)
	if failed.Status != model.StatusFailed || failed.StorageRef != nil || failed.Transcription != "" {
		t.Errorf("после Fail: status=%s ref=%v", failed.Status, failed.StorageRef)
	}

	stats, err := repo.StatsByOwner(ctx, owner.ID)
	if err != nil {
		t.Fatalf("StatsByOwner() ошибка: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 || stats.Failed != 1 || stats.Processing != 0 {
		t.Errorf("StatsByOwner() = %+v", stats)
	}

	stale, err := repo.ListStaleProcessing(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleProcessing() ошибка: %v", err)
	}
	if len(stale) != 1 || stale[0].UserID != other.ID {
		t.Errorf("ListStaleProcessing() = %d записей, хотели 1 (чужая processing)", len(stale))
	}

	ref, err := repo.Delete(ctx, owner.ID, meeting.ID)
	if err != nil || ref == nil {
		t.Errorf("Delete() = %v, %v", ref, err)
	}
	if _, err := repo.Delete(ctx, owner.ID, meeting.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete(): err = %v, хотели ErrNotFound", err)
	}
}

func TestAccountPurger(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	trs := NewTranscriptionRepository(pool)

	owner := createUser(t, users, "purge", "purge@example.com")
	for _, title := range []string{"a", "b", "c"} {
		createTranscription(t, trs, owner, title)
	}

	purge, err := NewAccountPurger(NewTxRunner(pool)).PurgeAccount(ctx, owner.ID)
	if err != nil {
		t.Fatalf("PurgeAccount() ошибка: %v", err)
	}
	if purge.Deleted != 3 || len(purge.StorageRefs) != 3 {
		t.Errorf("PurgeAccount() = %+v, хотели 3 записи и 3 ссылки", purge)
	}
	if _, err := users.GetByID(ctx, owner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("пользователь не удалён: err = %v", err)
	}

	// Запись для удалённого владельца не создаётся
	ghost := &model.Transcription{
		ID: uuid.New().String(), UserID: owner.ID, Username: "purge", Email: "purge@example.com",
		Title: "late", OriginalFilename: "late.mp3", MimeType: "audio/mpeg", FileSize: 10,
		Status: model.StatusProcessing, Source: model.SourceRecording,
	}
	if err := trs.Create(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("Create() для удалённого владельца: err = %v, хотели ErrNotFound", err)
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"plain":   "plain",
		"100%":    `100\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, хотели %q", in, got, want)
		}
	}
}

func TestBuildTranscriptionWhere(t *testing.T) {
	status := model.StatusCompleted
	search := "x"
	where, args := buildTranscriptionWhere(TranscriptionListFilters{UserID: "u1", Status: &status, Search: &search}, 1)
	want := "WHERE user_id = $1 AND status = $2 AND title ILIKE $3"
	if where != want {
		t.Errorf("where = %q, хотели %q", where, want)
	}
	if len(args) != 3 || args[2] != "%x%" {
		t.Errorf("args = %v", args)
	}
}

func TestPgErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantUnique bool
		wantRetry  bool
		wantConstr string
	}{
		{"nil", nil, false, false, ""},
		{"не ошибка PostgreSQL", errors.New("io"), false, false, ""},
		{"unique", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "users_email_key"}, true, false, "users_email_key"},
		{"обёрнутый deadlock", fmt.Errorf("удаление: %w", &pgconn.PgError{Code: pgDeadlockDetected}), false, true, ""},
		{"serialization", &pgconn.PgError{Code: pgSerializationFailure}, false, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.wantUnique {
				t.Errorf("isUniqueViolation() = %v, хотели %v", got, tt.wantUnique)
			}
			if got := retryableTx(tt.err); got != tt.wantRetry {
				t.Errorf("retryableTx() = %v, хотели %v", got, tt.wantRetry)
			}
			if got := constraintName(tt.err); got != tt.wantConstr {
				t.Errorf("constraintName() = %q, хотели %q", got, tt.wantConstr)
			}
		})
	}
}
