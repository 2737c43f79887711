// transcriptions.go — HTTP handlers записей распознавания.
// Upload, List, Stats, Get, Update, Delete, Download (экспорт), Audio.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/service"
)

// multipartMemory — часть multipart-формы, хранимая в памяти; остальное во временных файлах.
const multipartMemory = 8 << 20

// multipartOverhead — запас на заголовки и текстовые поля формы.
const multipartOverhead = 1 << 20

// Submitter принимает аудио на распознавание. Реализуется service.Lifecycle.
type Submitter interface {
	Submit(ctx context.Context, p service.SubmitParams) (*model.Transcription, error)
}

// TranscriptionManager — операции над записями. Реализуется service.TranscriptionService.
type TranscriptionManager interface {
	Get(ctx context.Context, userID, id string) (*model.Transcription, error)
	List(ctx context.Context, p service.ListParams) ([]*model.Transcription, int, error)
	Update(ctx context.Context, userID, id string, upd repository.DetailsUpdate) (*model.Transcription, error)
	Delete(ctx context.Context, userID, id, password string) (bool, error)
	Stats(ctx context.Context, userID string) (*model.TranscriptionStats, error)
	Export(ctx context.Context, userID, id, format string) (*service.Export, error)
	OpenAudio(ctx context.Context, userID, id string) (*service.Audio, error)
}

// TranscriptionsHandler — endpoints записей распознавания.
type TranscriptionsHandler struct {
	responder
	submitter     Submitter
	records       TranscriptionManager
	maxUploadSize int64
}

// NewTranscriptionsHandler создаёт обработчик записей.
// maxUploadSize — лимит размера аудиофайла в байтах.
func NewTranscriptionsHandler(
	submitter Submitter,
	records TranscriptionManager,
	maxUploadSize int64,
	dev bool,
	logger *slog.Logger,
) *TranscriptionsHandler {
	return &TranscriptionsHandler{
		responder:     responder{logger: logger.With(slog.String("component", "transcriptions_handler")), dev: dev},
		submitter:     submitter,
		records:       records,
		maxUploadSize: maxUploadSize,
	}
}

type updateTranscriptionRequest struct {
	Title         *string `json:"title" validate:"omitnil,max=255"`
	Transcription *string `json:"transcription" validate:"omitnil,nonblank"`
}

// Upload — POST /api/v1/transcriptions/upload.
// Multipart form: audio (обязательно), title и source (опционально).
// Ответ 201 с записью в статусе processing; распознавание идёт в фоне.
func (h *TranscriptionsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierrors.PayloadTooLarge(w, "Файл превышает допустимый размер",
				apierrors.Detail{Field: "audio", Message: "превышен лимит размера файла"})
			return
		}
		apierrors.ValidationError(w, "Ожидается multipart/form-data",
			apierrors.Detail{Field: "audio", Message: "не удалось разобрать форму"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("audio")
	if err != nil {
		apierrors.ValidationError(w, "Файл не передан",
			apierrors.Detail{Field: "audio", Message: "обязательное поле"})
		return
	}
	defer file.Close()

	source, ok := model.ParseSource(r.FormValue("source"))
	if !ok {
		apierrors.ValidationError(w, "Некорректный источник",
			apierrors.Detail{Field: "source", Message: "допустимые значения: upload recording"})
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if len([]rune(title)) > service.MaxTitleLen {
		apierrors.ValidationError(w, "Слишком длинное название",
			apierrors.Detail{Field: "title", Message: "максимальная длина 255"})
		return
	}

	t, err := h.submitter.Submit(r.Context(), service.SubmitParams{
		Owner:    user,
		Reader:   file,
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Title:    title,
		Source:   source,
	})
	if err != nil {
		h.serviceError(w, r, err, "Ошибка приёма аудио")
		return
	}
	writeJSON(w, http.StatusCreated, mapTranscription(t))
}

// List — GET /api/v1/transcriptions.
// Query: limit (1..100, по умолчанию 20), offset, search (по названию), status.
func (h *TranscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	limit, offset, details := parsePagination(r)
	params := service.ListParams{UserID: user.ID, Limit: limit, Offset: offset}

	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		st := model.TranscriptionStatus(s)
		if !st.Valid() {
			details = append(details, apierrors.Detail{
				Field:   "status",
				Message: "допустимые значения: processing completed failed",
			})
		} else {
			params.Status = &st
		}
	}
	if s := strings.TrimSpace(q.Get("search")); s != "" {
		params.Search = &s
	}
	if len(details) > 0 {
		apierrors.ValidationError(w, "Некорректные параметры запроса", details...)
		return
	}

	items, total, err := h.records.List(r.Context(), params)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка получения списка записей")
		return
	}

	resp := transcriptionListResponse{
		Items:   make([]transcriptionResponse, 0, len(items)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
	for _, t := range items {
		resp.Items = append(resp.Items, mapTranscription(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats — GET /api/v1/transcriptions/stats.
func (h *TranscriptionsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}

	st, err := h.records.Stats(r.Context(), user.ID)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка получения статистики")
		return
	}
	writeJSON(w, http.StatusOK, mapStats(st))
}

// Get — GET /api/v1/transcriptions/{id}.
func (h *TranscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}
	id, ok := pathID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	t, err := h.records.Get(r.Context(), user.ID, id)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка получения записи")
		return
	}
	writeJSON(w, http.StatusOK, mapTranscription(t))
}

// Update — PUT /api/v1/transcriptions/{id}. Поля title и/или transcription.
func (h *TranscriptionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}
	id, ok := pathID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req updateTranscriptionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	t, err := h.records.Update(r.Context(), user.ID, id, repository.DetailsUpdate{
		Title:         req.Title,
		Transcription: req.Transcription,
	})
	if err != nil {
		h.serviceError(w, r, err, "Ошибка обновления записи")
		return
	}
	writeJSON(w, http.StatusOK, mapTranscription(t))
}

// Delete — DELETE /api/v1/transcriptions/{id}. Тело: {"password": "..."}.
func (h *TranscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}
	id, ok := pathID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	var req passwordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	fileDeleted, err := h.records.Delete(r.Context(), user.ID, id, req.Password)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка удаления записи")
		return
	}
	writeJSON(w, http.StatusOK, transcriptionDeletionResponse{ID: id, FileDeleted: fileDeleted})
}

// Download — GET /api/v1/transcriptions/{id}/download?format=txt|json.
func (h *TranscriptionsHandler) Download(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}
	id, ok := pathID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != service.ExportText && format != service.ExportJSON {
		apierrors.ValidationError(w, "Неподдерживаемый формат",
			apierrors.Detail{Field: "format", Message: "допустимые значения: txt json"})
		return
	}

	exp, err := h.records.Export(r.Context(), user.ID, id, format)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка экспорта записи")
		return
	}

	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": exp.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Body)
}

// Audio — GET /api/v1/transcriptions/{id}/audio.
// Отдаёт исходные байты; поддерживает Range и If-Modified-Since.
func (h *TranscriptionsHandler) Audio(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.TokenMissing(w, "Требуется аутентификация")
		return
	}
	id, ok := pathID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	audio, err := h.records.OpenAudio(r.Context(), user.ID, id)
	if err != nil {
		h.serviceError(w, r, err, "Ошибка чтения аудио")
		return
	}
	defer audio.Reader.Close()

	w.Header().Set("Content-Type", audio.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": audio.Filename}))
	http.ServeContent(w, r, audio.Filename, audio.ModTime, audio.Reader)
}
