// health.go — обработчики health endpoints.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (PostgreSQL и хранилище аудио доступны)
// /metrics — Prometheus метрики
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/audioscribe/internal/config"
)

// serviceName — имя сервиса в ответах health.
const serviceName = "audioscribe"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler отвечает на probes Kubernetes и отдаёт метрики.
type HealthHandler struct {
	checks      []namedCheck
	promHandler http.Handler
}

type namedCheck struct {
	name    string
	checker ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// Если checker равен nil, его проверка возвращает "fail".
func NewHealthHandler(pgChecker, storageChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		checks: []namedCheck{
			{name: "postgresql", checker: pgChecker},
			{name: "storage", checker: storageChecker},
		},
		promHandler: promhttp.Handler(),
	}
}

type healthCheckResult struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe, всегда 200.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe: 200 при ok/degraded, 503 при fail.
// Загрузки принимаются только при доступных БД и хранилище аудио.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    make(map[string]healthCheckResult, len(h.checks)),
	}
	statuses := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		res := runCheck(c.checker)
		resp.Checks[c.name] = res
		statuses = append(statuses, res.Status)
	}
	resp.Status = overallStatus(statuses...)

	status := http.StatusOK
	if resp.Status == statusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetMetrics отдаёт метрики в формате Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

func runCheck(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}
	start := time.Now()
	st, msg := c.CheckReady()
	return healthCheckResult{Status: st, Message: msg, DurationMs: time.Since(start).Milliseconds()}
}

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// overallStatus — худший из статусов: fail, затем degraded, иначе ok.
func overallStatus(statuses ...string) string {
	worst := statusOK
	for _, s := range statuses {
		switch s {
		case statusFail:
			return statusFail
		case statusDegraded:
			worst = statusDegraded
		}
	}
	return worst
}
