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

// TranscriptionRepository — интерфейс CRUD для таблицы transcriptions.
// Все операции чтения и изменения со стороны пользователя ограничены владельцем.
type TranscriptionRepository interface {
	// Create создаёт запись в статусе processing.
	Create(ctx context.Context, t *model.Transcription) error
	// GetByID возвращает запись владельца по UUID.
	GetByID(ctx context.Context, userID, id string) (*model.Transcription, error)
	// List возвращает записи с фильтрацией, новые первыми.
	List(ctx context.Context, filters TranscriptionListFilters, limit, offset int) ([]*model.Transcription, error)
	// Count возвращает количество записей с фильтрацией.
	Count(ctx context.Context, filters TranscriptionListFilters) (int, error)
	// UpdateDetails меняет title и/или текст распознавания.
	UpdateDetails(ctx context.Context, userID, id string, upd DetailsUpdate) (*model.Transcription, error)
	// Complete переводит запись processing → completed.
	// ErrNotFound, если запись удалена или уже в терминальном статусе.
	Complete(ctx context.Context, id string, res CompletionResult) error
	// Fail переводит запись processing → failed и очищает ссылку на файл.
	// ErrNotFound, если запись удалена или уже в терминальном статусе.
	Fail(ctx context.Context, id, reason string) error
	// Delete удаляет запись владельца и возвращает ссылку на файл (если была).
	Delete(ctx context.Context, userID, id string) (*string, error)
	// DeleteByOwner удаляет все записи пользователя и возвращает ссылки на их файлы.
	DeleteByOwner(ctx context.Context, userID string) (*OwnerPurge, error)
	// ListStaleProcessing возвращает записи, находящиеся в processing дольше olderThan.
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*model.Transcription, error)
	// StatsByOwner возвращает статистику записей пользователя.
	StatsByOwner(ctx context.Context, userID string) (*model.TranscriptionStats, error)
}

// TranscriptionListFilters — фильтры для списка записей.
type TranscriptionListFilters struct {
	UserID string
	Status *model.TranscriptionStatus
	// Search — подстрока названия (без учёта регистра)
	Search *string
}

// DetailsUpdate — изменяемые пользователем поля. nil — не менять.
type DetailsUpdate struct {
	Title         *string
	Transcription *string
}

// CompletionResult — результат распознавания для перехода в completed.
type CompletionResult struct {
	Transcription string
	Confidence    float64
	Duration      float64
	Metadata      map[string]any
}

// OwnerPurge — итог удаления всех записей пользователя.
type OwnerPurge struct {
	Deleted     int
	StorageRefs []string
}

// transcriptionRepo — реализация TranscriptionRepository.
type transcriptionRepo struct {
	db DBTX
}

// NewTranscriptionRepository создаёт репозиторий записей распознавания.
func NewTranscriptionRepository(db DBTX) TranscriptionRepository {
	return &transcriptionRepo{db: db}
}

const trColumns = `id, user_id, username, email, title, original_filename, storage_ref,
	mime_type, file_size, duration, transcription, confidence, status, source,
	provider_metadata, failure_reason, created_at, updated_at`

func scanTranscription(row pgx.Row) (*model.Transcription, error) {
	t := &model.Transcription{}
	err := row.Scan(
		&t.ID, &t.UserID, &t.Username, &t.Email, &t.Title, &t.OriginalFilename, &t.StorageRef,
		&t.MimeType, &t.FileSize, &t.Duration, &t.Transcription, &t.Confidence, &t.Status, &t.Source,
		&t.ProviderMetadata, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (r *transcriptionRepo) Create(ctx context.Context, t *model.Transcription) error {
	if t.ProviderMetadata == nil {
		t.ProviderMetadata = map[string]any{}
	}
	query := `
		INSERT INTO transcriptions (id, user_id, username, email, title, original_filename,
			storage_ref, mime_type, file_size, duration, status, source, provider_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		t.ID, t.UserID, t.Username, t.Email, t.Title, t.OriginalFilename,
		t.StorageRef, t.MimeType, t.FileSize, t.Duration, t.Status, t.Source, t.ProviderMetadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return fmt.Errorf("%w: запись с таким ID уже существует", ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: владелец записи не найден", ErrNotFound)
		}
		return fmt.Errorf("ошибка создания записи распознавания: %w", err)
	}
	return nil
}

func (r *transcriptionRepo) GetByID(ctx context.Context, userID, id string) (*model.Transcription, error) {
	query := fmt.Sprintf(`SELECT %s FROM transcriptions WHERE id = $1 AND user_id = $2`, trColumns)
	t, err := scanTranscription(r.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи распознавания: %w", err)
	}
	return t, nil
}

// escapeLike экранирует спецсимволы шаблона LIKE.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// buildTranscriptionWhere строит WHERE-условие и аргументы для фильтрации записей.
func buildTranscriptionWhere(filters TranscriptionListFilters, startArg int) (string, []any) {
	conditions := []string{fmt.Sprintf("user_id = $%d", startArg)}
	args := []any{filters.UserID}
	argNum := startArg + 1

	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filters.Status))
		argNum++
	}
	if filters.Search != nil && *filters.Search != "" {
		conditions = append(conditions, fmt.Sprintf("title ILIKE $%d", argNum))
		args = append(args, "%"+escapeLike(*filters.Search)+"%")
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *transcriptionRepo) List(ctx context.Context, filters TranscriptionListFilters, limit, offset int) ([]*model.Transcription, error) {
	where, args := buildTranscriptionWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s FROM transcriptions
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, trColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *transcriptionRepo) Count(ctx context.Context, filters TranscriptionListFilters) (int, error) {
	where, args := buildTranscriptionWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM transcriptions %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return count, nil
}

func (r *transcriptionRepo) UpdateDetails(ctx context.Context, userID, id string, upd DetailsUpdate) (*model.Transcription, error) {
	// Текст можно менять только у завершённых записей и только на непустой
	query := fmt.Sprintf(`
		UPDATE transcriptions
		SET title = COALESCE($3, title),
			transcription = COALESCE($4, transcription)
		WHERE id = $1 AND user_id = $2
			AND ($4::text IS NULL OR (status = 'completed' AND length(btrim($4)) > 0))
		RETURNING %s`, trColumns)

	t, err := scanTranscription(r.db.QueryRow(ctx, query, id, userID, upd.Title, upd.Transcription))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления записи: %w", err)
	}
	return t, nil
}

func (r *transcriptionRepo) Complete(ctx context.Context, id string, res CompletionResult) error {
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	query := `
		UPDATE transcriptions
		SET status = 'completed', transcription = $2, confidence = $3,
			duration = $4, provider_metadata = $5, failure_reason = NULL
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, res.Transcription, res.Confidence, res.Duration, res.Metadata)
	if err != nil {
		return fmt.Errorf("ошибка завершения записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transcriptionRepo) Fail(ctx context.Context, id, reason string) error {
	query := `
		UPDATE transcriptions
		SET status = 'failed', transcription = '', confidence = 0,
			storage_ref = NULL, failure_reason = $2
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("ошибка перевода записи в failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *transcriptionRepo) Delete(ctx context.Context, userID, id string) (*string, error) {
	query := `DELETE FROM transcriptions WHERE id = $1 AND user_id = $2 RETURNING storage_ref`

	var ref *string
	if err := r.db.QueryRow(ctx, query, id, userID).Scan(&ref); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка удаления записи: %w", err)
	}
	return ref, nil
}

func (r *transcriptionRepo) DeleteByOwner(ctx context.Context, userID string) (*OwnerPurge, error) {
	rows, err := r.db.Query(ctx, `DELETE FROM transcriptions WHERE user_id = $1 RETURNING storage_ref`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления записей пользователя: %w", err)
	}
	defer rows.Close()

	purge := &OwnerPurge{}
	for rows.Next() {
		var ref *string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки на файл: %w", err)
		}
		purge.Deleted++
		if ref != nil && *ref != "" {
			purge.StorageRefs = append(purge.StorageRefs, *ref)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка удаления записей пользователя: %w", err)
	}
	return purge, nil
}

func (r *transcriptionRepo) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*model.Transcription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM transcriptions
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, trColumns)

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших записей: %w", err)
	}
	defer rows.Close()

	var result []*model.Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *transcriptionRepo) StatsByOwner(ctx context.Context, userID string) (*model.TranscriptionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(duration) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(file_size), 0)::bigint
		FROM transcriptions
		WHERE user_id = $1`

	s := &model.TranscriptionStats{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&s.Total, &s.Processing, &s.Completed, &s.Failed, &s.TotalDuration, &s.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return s, nil
}
