// metrics.go — HTTP-метрики audioscribe: счётчик запросов, длительность и
// число запросов в обработке (загрузки аудио могут идти минутами).
// Идентификаторы записей в путях сворачиваются в шаблоны.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	// Верхние корзины покрывают загрузку файлов до 50 МиБ
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "as_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30, 120},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "as_http_requests_in_flight",
		Help: "Количество HTTP-запросов в обработке",
	})
)

// MetricsMiddleware собирает HTTP-метрики по нормализованному пути.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			start := time.Now()
			path := normalizePath(r.URL.Path)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Unwrap нужен http.ResponseController (http.ServeContent, Flush).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// normalizePath заменяет идентификатор записи на {id}.
// /api/v1/transcriptions/a1b2c3d4-... → /api/v1/transcriptions/{id}
// /api/v1/transcriptions/a1b2c3d4-.../audio → /api/v1/transcriptions/{id}/audio
// Неизвестные идентификаторы сворачиваются в {invalid}.
func normalizePath(path string) string {
	const prefix = "/api/v1/transcriptions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}

	rest := strings.TrimPrefix(path, prefix)
	id, suffix, _ := strings.Cut(rest, "/")
	switch id {
	case "upload", "stats":
		if suffix == "" {
			return path
		}
	}

	placeholder := "{id}"
	if uuid.Validate(id) != nil {
		placeholder = "{invalid}"
	}

	switch suffix {
	case "":
		return prefix + placeholder
	case "download", "audio":
		return prefix + placeholder + "/" + suffix
	default:
		return prefix + placeholder + "/{other}"
	}
}
