// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// audioscribe мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - провайдер распознавания — HTTP checker к базовому URL (non-critical:
//     при его недоступности записи завершаются в failed, API продолжает работать)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа (audioscribe)
	ServiceID string
	// Group — имя группы в метриках (AS_DEPHEALTH_GROUP)
	Group string
	// PgConnURL — URL PostgreSQL, только для лейблов
	PgConnURL string
	// ProviderName — имя зависимости провайдера (deepgram, openai)
	ProviderName string
	// ProviderURL — базовый URL провайдера
	ProviderURL string
	// ProviderHealthPath — путь HTTP-проверки провайдера
	ProviderHealthPath string
	// CheckInterval — интервал проверок
	CheckInterval time.Duration
	// IsEntry — лейбл isentry=yes
	IsEntry bool
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис. Метрики регистрируются в глобальном registry.
// db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool().
func NewDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, db *sql.DB, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, db, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	pgDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.PgConnURL),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
	}

	providerDepOpts := []dephealth.DependencyOption{
		dephealth.FromURL(cfg.ProviderURL),
		dephealth.WithHTTPHealthPath(cfg.ProviderHealthPath),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(false),
	}
	if parsed, err := url.Parse(cfg.ProviderURL); err == nil && parsed.Scheme == "https" {
		providerDepOpts = append(providerDepOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	if cfg.IsEntry {
		pgDepOpts = append(pgDepOpts, dephealth.WithLabel("isentry", "yes"))
		providerDepOpts = append(providerDepOpts, dephealth.WithLabel("isentry", "yes"))
	}

	opts := make([]dephealth.Option, 0, 3+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)), pgDepOpts...),
		dephealth.HTTP(cfg.ProviderName, providerDepOpts...),
	)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + провайдер распознавания)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
