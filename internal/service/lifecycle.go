// lifecycle.go — жизненный цикл записи распознавания.
//
// Submit проверяет и сохраняет аудио, синхронно создаёт запись в статусе
// processing и сразу возвращает её. Вызов провайдера выполняется фоновой
// задачей, которая делает ровно одну терминальную запись:
//   - completed — текст, уверенность, длительность, метаданные провайдера;
//   - failed — причина ошибки, файл удалён, ссылка на файл очищена.
//
// Терминальные записи условны (status = 'processing'): запись, удалённую
// пользователем или переведённую reaper'ом в failed, задача не воскрешает.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/audioscribe/internal/domain/model"
	"github.com/bigkaa/audioscribe/internal/ingest"
	"github.com/bigkaa/audioscribe/internal/provider"
	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/storage"
)

// Prometheus-метрики жизненного цикла.
var (
	transcriptionsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_transcriptions_submitted_total",
		Help: "Общее количество принятых на распознавание файлов.",
	}, []string{"source"})

	transcriptionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_transcriptions_finished_total",
		Help: "Общее количество завершённых задач распознавания по статусу.",
	}, []string{"provider", "status"})

	transcriptionJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "as_transcription_job_duration_seconds",
		Help:    "Длительность вызова провайдера распознавания.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"provider"})

	transcriptionJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "as_transcription_jobs_in_flight",
		Help: "Количество фоновых задач распознавания (включая ожидающие слота).",
	})
)

// terminalWriteTimeout — лимит на терминальную запись в БД и удаление файла.
const terminalWriteTimeout = 10 * time.Second

// Причины перехода в failed, сохраняемые в записи.
const (
	reasonShutdown = "обработка прервана остановкой сервиса"
	reasonTimeout  = "превышено время ожидания ответа провайдера"
	reasonStale    = "обработка не завершилась за отведённое время"
)

// LifecycleConfig — параметры фоновых задач.
type LifecycleConfig struct {
	// ProviderTimeout — лимит на один вызов провайдера
	ProviderTimeout time.Duration
	// Concurrency — максимум одновременных вызовов провайдера
	Concurrency int
}

// SubmitParams — параметры приёма аудио.
type SubmitParams struct {
	// Owner — владелец записи; username и email копируются в запись
	Owner *model.User
	// Reader — содержимое файла
	Reader io.Reader
	// Filename — имя файла из multipart-заголовка
	Filename string
	// MimeType — заявленный Content-Type
	MimeType string
	// Size — размер из multipart-заголовка
	Size int64
	// Title — название; пустое — имя файла без расширения
	Title string
	// Source — upload или recording
	Source model.Source
}

// job — данные фоновой задачи. Других общих данных у задачи нет.
type job struct {
	id       string
	ref      string
	mimeType string
	source   model.Source
	duration float64
}

// Lifecycle — менеджер жизненного цикла записей распознавания.
type Lifecycle struct {
	records   repository.TranscriptionRepository
	store     storage.AudioStore
	validator *ingest.Validator
	provider  provider.Provider
	timeout   time.Duration
	sem       *semaphore.Weighted
	logger    *slog.Logger

	// ctx — базовый контекст задач, отменяется при принудительной остановке
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewLifecycle создаёт менеджер. Провайдер создаётся один раз в main.
func NewLifecycle(
	records repository.TranscriptionRepository,
	store storage.AudioStore,
	validator *ingest.Validator,
	prov provider.Provider,
	cfg LifecycleConfig,
	logger *slog.Logger,
) *Lifecycle {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		records:   records,
		store:     store,
		validator: validator,
		provider:  prov,
		timeout:   cfg.ProviderTimeout,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:    logger.With(slog.String("component", "lifecycle")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit принимает аудио и возвращает запись в статусе processing.
// Ошибка проверки файла — *ingest.ValidationError, запись при этом не создаётся.
func (l *Lifecycle) Submit(ctx context.Context, p SubmitParams) (*model.Transcription, error) {
	if l.closed.Load() {
		return nil, ErrShuttingDown
	}

	br := bufio.NewReaderSize(p.Reader, ingest.SniffLen)
	head, _ := br.Peek(ingest.SniffLen)

	accepted, err := l.validator.Validate(ingest.FileInfo{
		Filename: p.Filename,
		MimeType: p.MimeType,
		Size:     p.Size,
		Head:     head,
	})
	if err != nil {
		return nil, err
	}

	saved, err := l.store.Save(ctx, io.LimitReader(br, l.validator.MaxSize()+1), storage.ObjectInfo{
		Filename:    accepted.Filename,
		Owner:       p.Owner.ID,
		ContentType: accepted.MimeType,
		Size:        p.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("сохранение аудио: %w", err)
	}

	// Заявленный размер мог не совпасть с фактическим
	if saved.Size == 0 || saved.Size > l.validator.MaxSize() {
		l.deleteFile(saved.Ref, "")
		_, verr := l.validator.Validate(ingest.FileInfo{
			Filename: accepted.Filename,
			MimeType: accepted.MimeType,
			Size:     saved.Size,
		})
		return nil, verr
	}

	ref := saved.Ref
	rec := &model.Transcription{
		ID:               uuid.New().String(),
		UserID:           p.Owner.ID,
		Username:         p.Owner.Username,
		Email:            p.Owner.Email,
		Title:            titleOrDefault(p.Title, accepted.Filename),
		OriginalFilename: accepted.Filename,
		StorageRef:       &ref,
		MimeType:         accepted.MimeType,
		FileSize:         saved.Size,
		Duration:         ingest.EstimateDuration(saved.Size, accepted.MimeType),
		Status:           model.StatusProcessing,
		Source:           p.Source,
		ProviderMetadata: map[string]any{},
	}

	if err := l.records.Create(ctx, rec); err != nil {
		l.deleteFile(ref, rec.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: владелец записи не существует", ErrNotFound)
		}
		return nil, fmt.Errorf("создание записи: %w", err)
	}

	transcriptionsSubmittedTotal.WithLabelValues(string(rec.Source)).Inc()
	l.logger.Info("Аудио принято на распознавание",
		slog.String("transcription_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("mime_type", rec.MimeType),
		slog.Int64("size", rec.FileSize),
		slog.String("source", string(rec.Source)),
	)

	l.wg.Add(1)
	transcriptionJobsInFlight.Inc()
	go l.run(job{
		id:       rec.ID,
		ref:      ref,
		mimeType: rec.MimeType,
		source:   rec.Source,
		duration: rec.Duration,
	})

	return rec, nil
}

// run выполняет фоновую задачу: вызов провайдера и одну терминальную запись.
func (l *Lifecycle) run(j job) {
	defer l.wg.Done()
	defer transcriptionJobsInFlight.Dec()

	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		l.fail(j, reasonShutdown)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	result, err := l.transcribe(ctx, j)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	l.sem.Release(1)
	transcriptionJobDuration.WithLabelValues(l.provider.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		reason := err.Error()
		switch {
		case timedOut:
			reason = reasonTimeout
		case l.ctx.Err() != nil:
			reason = reasonShutdown
		}
		l.logger.Warn("Распознавание завершилось ошибкой",
			slog.String("transcription_id", j.id),
			slog.String("provider", l.provider.Name()),
			slog.String("error", err.Error()),
		)
		l.fail(j, reason)
		return
	}

	l.complete(j, result)
}

// transcribe выбирает стратегию вызова: файл на диске для upload,
// буфер в памяти для recording или хранилища без локальных путей.
func (l *Lifecycle) transcribe(ctx context.Context, j job) (*provider.Result, error) {
	if j.source == model.SourceUpload {
		if path, ok := l.store.LocalPath(j.ref); ok {
			return l.provider.TranscribeFile(ctx, path, j.mimeType)
		}
	}

	rc, err := l.store.Open(ctx, j.ref)
	if err != nil {
		return nil, fmt.Errorf("открытие аудио: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, l.validator.MaxSize()+1))
	if err != nil {
		return nil, fmt.Errorf("чтение аудио: %w", err)
	}
	return l.provider.TranscribeBuffer(ctx, data, j.mimeType)
}

// complete переводит запись в completed.
func (l *Lifecycle) complete(j job, res *provider.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	duration := res.DurationSeconds
	if duration <= 0 {
		duration = j.duration
	}

	result := repository.CompletionResult{
		Transcription: res.Transcript,
		Confidence:    provider.ClampConfidence(res.Confidence),
		Duration:      duration,
		Metadata:      res.Metadata,
	}
	err := l.records.Complete(ctx, j.id, result)
	switch {
	case err == nil:
		transcriptionsFinishedTotal.WithLabelValues(l.provider.Name(), string(model.StatusCompleted)).Inc()
		l.logger.Info("Распознавание завершено",
			slog.String("transcription_id", j.id),
			slog.Float64("confidence", result.Confidence),
			slog.Float64("duration", duration),
		)
	case errors.Is(err, repository.ErrNotFound):
		// Запись удалена или уже завершена: файл больше никому не нужен
		l.logger.Info("Запись удалена или завершена до ответа провайдера",
			slog.String("transcription_id", j.id),
		)
		l.deleteFileCtx(ctx, j.ref, j.id)
	default:
		l.logger.Error("Ошибка записи результата распознавания",
			slog.String("transcription_id", j.id),
			slog.String("error", err.Error()),
		)
	}
}

// fail удаляет файл и переводит запись в failed.
func (l *Lifecycle) fail(j job, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	l.deleteFileCtx(ctx, j.ref, j.id)
	reason = truncateReason(reason)

	err := l.records.Fail(ctx, j.id, reason)
	switch {
	case err == nil:
		transcriptionsFinishedTotal.WithLabelValues(l.provider.Name(), string(model.StatusFailed)).Inc()
		l.logger.Info("Запись переведена в failed",
			slog.String("transcription_id", j.id),
			slog.String("reason", reason),
		)
	case errors.Is(err, repository.ErrNotFound):
		l.logger.Info("Запись удалена или завершена до ответа провайдера",
			slog.String("transcription_id", j.id),
		)
	default:
		l.logger.Error("Ошибка перевода записи в failed",
			slog.String("transcription_id", j.id),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Lifecycle) deleteFile(ref, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	l.deleteFileCtx(ctx, ref, id)
}

func (l *Lifecycle) deleteFileCtx(ctx context.Context, ref, id string) {
	if err := l.store.Delete(ctx, ref); err != nil {
		l.logger.Error("Ошибка удаления аудиофайла",
			slog.String("transcription_id", id),
			slog.String("storage_ref", ref),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown прекращает приём задач и ждёт завершения текущих.
// По истечении ctx оставшиеся вызовы провайдера отменяются,
// а их записи переводятся в failed.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.closed.Store(true)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		l.logger.Info("Фоновые задачи распознавания завершены")
		return nil
	case <-ctx.Done():
	}

	l.logger.Warn("Истёк таймаут ожидания задач распознавания, задачи отменяются")
	l.cancel()

	select {
	case <-done:
	case <-time.After(terminalWriteTimeout):
		l.logger.Error("Часть задач распознавания не завершилась после отмены")
	}
	return ctx.Err()
}

// titleOrDefault возвращает название или имя файла без расширения,
// не длиннее MaxTitleLen символов.
func titleOrDefault(title, filename string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSpace(strings.TrimSuffix(filename, filepath.Ext(filename)))
	}
	if r := []rune(title); len(r) > MaxTitleLen {
		title = strings.TrimSpace(string(r[:MaxTitleLen]))
	}
	return title
}

// maxReasonLen — ограничение длины причины ошибки в записи (в рунах).
const maxReasonLen = 500

func truncateReason(reason string) string {
	r := []rune(reason)
	if len(r) <= maxReasonLen {
		return reason
	}
	return string(r[:maxReasonLen]) + "…"
}
