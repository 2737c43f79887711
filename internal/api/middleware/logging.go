// logging.go — журнал HTTP-запросов audioscribe: маршрут chi, владелец
// запроса после JWT-аутентификации, объём загрузки и ответа.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type accessKey struct{}

// accessEntry заполняется внутренними middleware по ходу обработки запроса.
type accessEntry struct {
	userID string
}

// noteUser сохраняет ID аутентифицированного пользователя для журнала запросов.
func noteUser(ctx context.Context, userID string) {
	if e, ok := ctx.Value(accessKey{}).(*accessEntry); ok {
		e.userID = userID
	}
}

// RequestLogger пишет одну запись на запрос. Запросы Kubernetes к /health/
// и /metrics при успешном ответе идут на уровне DEBUG.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := &accessEntry{}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), accessKey{}, entry)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("response_bytes", ww.BytesWritten()),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				attrs = append(attrs, slog.String("route", rc.RoutePattern()))
			}
			if r.ContentLength > 0 {
				attrs = append(attrs, slog.Int64("request_bytes", r.ContentLength))
			}
			if entry.userID != "" {
				attrs = append(attrs, slog.String("user_id", entry.userID))
			}

			logger.LogAttrs(r.Context(), accessLevel(status, r.URL.Path), "HTTP запрос", attrs...)
		})
	}
}

// accessLevel: ERROR для 5xx, WARN для 4xx, DEBUG для служебных путей.
func accessLevel(status int, path string) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	}
	switch path {
	case "/metrics", "/health/live", "/health/ready":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
