// Пакет server — HTTP-сервер audioscribe с graceful shutdown.
// Без TLS — TLS termination выполняется на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
	"github.com/bigkaa/audioscribe/internal/api/handlers"
	"github.com/bigkaa/audioscribe/internal/api/middleware"
	"github.com/bigkaa/audioscribe/internal/config"
)

// Handlers — обработчики, из которых собираются маршруты.
type Handlers struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Profile        *handlers.ProfileHandler
	Transcriptions *handlers.TranscriptionsHandler
}

// Server — HTTP-сервер audioscribe.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// limiter применяется только к публичным endpoints аутентификации.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	h Handlers,
	jwtAuth *middleware.JWTAuth,
	limiter *middleware.RateLimiter,
) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(logger, h, jwtAuth, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		// Загрузка аудио до лимита размера на медленном канале
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер со всеми маршрутами.
func NewRouter(
	logger *slog.Logger,
	h Handlers,
	jwtAuth *middleware.JWTAuth,
	limiter *middleware.RateLimiter,
) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusMethodNotAllowed, apierrors.CodeValidationError, "Метод не поддерживается")
	})

	// Health и metrics проверяются Kubernetes напрямую, без аутентификации.
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)
	router.Get("/.well-known/jwks.json", h.Auth.JWKS)

	router.Route("/api/v1", func(r chi.Router) {
		// Публичные endpoints аутентификации с ограничением частоты
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware())
			}
			r.Post("/register", h.Auth.Register)
			r.Post("/login", h.Auth.Login)
			r.Post("/token/refresh", h.Auth.Refresh)
		})

		// Endpoints с Bearer access-токеном
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware())

			r.Post("/logout-all", h.Auth.LogoutAll)

			r.Get("/profile", h.Profile.GetProfile)
			r.Put("/profile", h.Profile.UpdateProfile)
			r.Put("/profile/password", h.Profile.ChangePassword)
			r.Delete("/user/account", h.Profile.DeleteAccount)

			r.Route("/transcriptions", func(r chi.Router) {
				r.Post("/upload", h.Transcriptions.Upload)
				r.Get("/", h.Transcriptions.List)
				r.Get("/stats", h.Transcriptions.Stats)
				r.Get("/{id}", h.Transcriptions.Get)
				r.Put("/{id}", h.Transcriptions.Update)
				r.Delete("/{id}", h.Transcriptions.Delete)
				r.Get("/{id}/download", h.Transcriptions.Download)
				r.Get("/{id}/audio", h.Transcriptions.Audio)
			})
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown HTTP-сервера.
// Фоновые задачи останавливаются вызывающим кодом после возврата.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
