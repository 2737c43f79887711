// transcriptions.go — чтение, изменение, удаление и экспорт записей распознавания.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/storage"
)

// MaxTitleLen — максимальная длина названия записи (в символах).
const MaxTitleLen = 255

// Форматы экспорта.
const (
	ExportText = "txt"
	ExportJSON = "json"
)

// TranscriptionService — операции пользователя над своими записями.
type TranscriptionService struct {
	records repository.TranscriptionRepository
	users   repository.UserRepository
	store   storage.AudioStore
	hasher  PasswordVerifier
	logger  *slog.Logger
}

// PasswordVerifier проверяет пароль по хэшу.
type PasswordVerifier interface {
	Verify(hash, password string) bool
}

// NewTranscriptionService создаёт сервис записей.
func NewTranscriptionService(
	records repository.TranscriptionRepository,
	users repository.UserRepository,
	store storage.AudioStore,
	hasher PasswordVerifier,
	logger *slog.Logger,
) *TranscriptionService {
	return &TranscriptionService{
		records: records,
		users:   users,
		store:   store,
		hasher:  hasher,
		logger:  logger.With(slog.String("component", "transcription_service")),
	}
}

// ListParams — параметры списка записей.
type ListParams struct {
	UserID string
	Status *model.TranscriptionStatus
	Search *string
	Limit  int
	Offset int
}

// Export — выгрузка записи.
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Audio — открытый аудиофайл записи.
type Audio struct {
	Reader   io.ReadSeekCloser
	MimeType string
	Filename string
	ModTime  time.Time
}

// Get возвращает запись владельца.
func (s *TranscriptionService) Get(ctx context.Context, userID, id string) (*model.Transcription, error) {
	t, err := s.records.GetByID(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение записи: %w", err)
	}
	return t, nil
}

// List возвращает страницу записей и общее количество.
func (s *TranscriptionService) List(ctx context.Context, p ListParams) ([]*model.Transcription, int, error) {
	filters := repository.TranscriptionListFilters{
		UserID: p.UserID,
		Status: p.Status,
		Search: p.Search,
	}

	items, err := s.records.List(ctx, filters, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка записей: %w", err)
	}
	total, err := s.records.Count(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт записей: %w", err)
	}
	return items, total, nil
}

// Update меняет название и/или текст. Текст меняется только у завершённой записи.
func (s *TranscriptionService) Update(ctx context.Context, userID, id string, upd repository.DetailsUpdate) (*model.Transcription, error) {
	if upd.Title == nil && upd.Transcription == nil {
		return nil, fmt.Errorf("%w: нет изменяемых полей", ErrValidation)
	}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: название не может быть пустым", ErrValidation)
		}
		if utf8.RuneCountInString(title) > MaxTitleLen {
			return nil, fmt.Errorf("%w: название длиннее %d символов", ErrValidation, MaxTitleLen)
		}
		upd.Title = &title
	}
	// У завершённой записи текст всегда непустой
	if upd.Transcription != nil && strings.TrimSpace(*upd.Transcription) == "" {
		return nil, fmt.Errorf("%w: текст не может быть пустым", ErrValidation)
	}

	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if upd.Transcription != nil && current.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: текст можно менять только у завершённой записи", ErrNotReady)
	}

	t, err := s.records.UpdateDetails(ctx, userID, id, upd)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("обновление записи: %w", err)
	}
	return t, nil
}

// Delete удаляет запись после проверки пароля. Файл удаляется после записи в БД.
// Возвращает true, если файл был удалён.
func (s *TranscriptionService) Delete(ctx context.Context, userID, id, password string) (bool, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("получение пользователя: %w", err)
	}
	if !s.hasher.Verify(u.PasswordHash, password) {
		return false, ErrInvalidCredentials
	}

	ref, err := s.records.Delete(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("удаление записи: %w", err)
	}

	s.logger.Info("Запись удалена",
		slog.String("transcription_id", id),
		slog.String("user_id", userID),
	)

	if ref == nil {
		return false, nil
	}
	if err := s.store.Delete(context.WithoutCancel(ctx), *ref); err != nil {
		s.logger.Error("Ошибка удаления аудиофайла",
			slog.String("transcription_id", id),
			slog.String("storage_ref", *ref),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	return true, nil
}

// Stats возвращает статистику записей пользователя.
func (s *TranscriptionService) Stats(ctx context.Context, userID string) (*model.TranscriptionStats, error) {
	st, err := s.records.StatsByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("статистика записей: %w", err)
	}
	return st, nil
}

// exportDocument — JSON-представление записи для выгрузки.
type exportDocument struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	OriginalFilename string         `json:"originalFilename"`
	MimeType         string         `json:"mimeType"`
	FileSize         int64          `json:"fileSize"`
	Duration         float64        `json:"duration"`
	Transcription    string         `json:"transcription"`
	Confidence       float64        `json:"confidence"`
	Status           string         `json:"status"`
	Source           string         `json:"source"`
	ProviderMetadata map[string]any `json:"providerMetadata"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ExportedAt       time.Time      `json:"exportedAt"`
}

// Export формирует выгрузку завершённой записи в формате txt или json.
func (s *TranscriptionService) Export(ctx context.Context, userID, id, format string) (*Export, error) {
	if format == "" {
		format = ExportText
	}
	if format != ExportText && format != ExportJSON {
		return nil, fmt.Errorf("%w: формат %q не поддерживается, допустимые: txt, json", ErrValidation, format)
	}

	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: статус записи %s", ErrNotReady, t.Status)
	}

	// Sanitize возвращает "file" для названий без латиницы и цифр
	base := storage.Sanitize(strings.Join(strings.Fields(t.Title), "_"))
	if base == "file" {
		base = "transcription"
	}

	if format == ExportJSON {
		body, err := json.MarshalIndent(exportDocument{
			ID:               t.ID,
			Title:            t.Title,
			OriginalFilename: t.OriginalFilename,
			MimeType:         t.MimeType,
			FileSize:         t.FileSize,
			Duration:         t.Duration,
			Transcription:    t.Transcription,
			Confidence:       t.Confidence,
			Status:           string(t.Status),
			Source:           string(t.Source),
			ProviderMetadata: t.ProviderMetadata,
			CreatedAt:        t.CreatedAt,
			UpdatedAt:        t.UpdatedAt,
			ExportedAt:       time.Now().UTC(),
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("сериализация записи: %w", err)
		}
		return &Export{Filename: base + ".json", ContentType: "application/json", Body: body}, nil
	}

	var b strings.Builder
	b.WriteString(t.Title)
	b.WriteString("\n\n")
	b.WriteString(t.Transcription)
	b.WriteString("\n")
	return &Export{Filename: base + ".txt", ContentType: "text/plain; charset=utf-8", Body: []byte(b.String())}, nil
}

// OpenAudio открывает аудиофайл записи. ErrNotFound, если файл уже удалён.
func (s *TranscriptionService) OpenAudio(ctx context.Context, userID, id string) (*Audio, error) {
	t, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if t.StorageRef == nil {
		return nil, fmt.Errorf("%w: аудиофайл записи удалён", ErrNotFound)
	}

	rc, err := s.store.Open(ctx, *t.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: аудиофайл отсутствует в хранилище", ErrNotFound)
		}
		return nil, fmt.Errorf("открытие аудио: %w", err)
	}
	return &Audio{
		Reader:   rc,
		MimeType: t.MimeType,
		Filename: t.OriginalFilename,
		ModTime:  t.CreatedAt,
	}, nil
}
