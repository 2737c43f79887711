// reaper.go — фоновый перевод зависших записей в failed.
//
// Запись считается зависшей, если она находится в processing дольше
// AS_STALE_PROCESSING_AFTER (например, процесс был убит во время вызова
// провайдера). Reaper удаляет её файл и переводит запись в failed.
// Запускается при старте и затем с периодом AS_REAPER_INTERVAL.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/audioscribe/internal/repository"
	"github.com/bigkaa/audioscribe/internal/storage"
)

// Prometheus-метрики reaper.
var (
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_reaper_runs_total",
		Help: "Общее количество запусков reaper",
	})

	reaperReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_reaper_reaped_total",
		Help: "Общее количество зависших записей, переведённых в failed",
	})
)

// reaperBatch — записей за один проход выборки.
const reaperBatch = 100

// ReapResult — результат одного запуска reaper.
type ReapResult struct {
	// Reaped — количество записей, переведённых в failed
	Reaped int
	// Errors — количество ошибок
	Errors   int
	Duration time.Duration
}

// ReaperService — сервис очистки зависших записей.
type ReaperService struct {
	records    repository.TranscriptionRepository
	store      storage.AudioStore
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaperService создаёт reaper.
func NewReaperService(
	records repository.TranscriptionRepository,
	store storage.AudioStore,
	staleAfter, interval time.Duration,
	logger *slog.Logger,
) *ReaperService {
	return &ReaperService{
		records:    records,
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.With(slog.String("component", "reaper")),
		now:        time.Now,
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (r *ReaperService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)

	r.logger.Info("Reaper запущен",
		slog.String("interval", r.interval.String()),
		slog.String("stale_after", r.staleAfter.String()),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения текущего прохода.
func (r *ReaperService) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Reaper остановлен")
}

func (r *ReaperService) run(ctx context.Context) {
	defer close(r.done)

	// Первый запуск — сразу после старта
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce переводит в failed все записи, зависшие в processing.
func (r *ReaperService) RunOnce(ctx context.Context) *ReapResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &ReapResult{}
	before := r.now().Add(-r.staleAfter)

	for ctx.Err() == nil {
		stale, err := r.records.ListStaleProcessing(ctx, before, reaperBatch)
		if err != nil {
			r.logger.Error("Ошибка выборки зависших записей", slog.String("error", err.Error()))
			result.Errors++
			break
		}

		progressed := false
		for _, t := range stale {
			err := r.records.Fail(ctx, t.ID, reasonStale)
			switch {
			case err == nil:
				result.Reaped++
				progressed = true
			case errors.Is(err, repository.ErrNotFound):
				// Задача успела завершиться сама, файл принадлежит ей
				progressed = true
				continue
			default:
				r.logger.Error("Reaper: ошибка перевода записи в failed",
					slog.String("transcription_id", t.ID),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}

			if t.StorageRef != nil {
				if err := r.store.Delete(ctx, *t.StorageRef); err != nil {
					r.logger.Error("Reaper: ошибка удаления файла",
						slog.String("transcription_id", t.ID),
						slog.String("storage_ref", *t.StorageRef),
						slog.String("error", err.Error()),
					)
					result.Errors++
				}
			}
		}

		if len(stale) < reaperBatch || !progressed {
			break
		}
	}

	result.Duration = time.Since(start)
	reaperRunsTotal.Inc()
	reaperReapedTotal.Add(float64(result.Reaped))

	level := slog.LevelDebug
	if result.Reaped > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "Reaper завершён",
		slog.Int("reaped", result.Reaped),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
