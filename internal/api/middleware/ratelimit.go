// ratelimit.go — ограничение частоты запросов к endpoints аутентификации по IP клиента.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/audioscribe/internal/api/errors"
)

// rateLimitedTotal — отклонённые ограничителем запросы.
var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "as_http_rate_limited_total",
	Help: "Количество запросов, отклонённых ограничителем частоты",
})

const (
	// limiterCacheSize — максимум отслеживаемых IP.
	limiterCacheSize = 10000
	// limiterIdleTTL — лимитер неактивного IP забывается через это время.
	limiterIdleTTL = 10 * time.Minute
)

// RateLimiter — token bucket на каждый IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	logger  *slog.Logger
}

// NewRateLimiter создаёт ограничитель: perMinute запросов в минуту с запасом burst.
// perMinute <= 0 отключает ограничение.
func NewRateLimiter(perMinute, burst int, logger *slog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		burst:   burst,
		clients: expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterIdleTTL),
		logger:  logger.With(slog.String("component", "rate_limiter")),
	}
	if perMinute <= 0 {
		rl.limit = rate.Inf
	} else {
		rl.limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return rl
}

// limiter возвращает лимитер IP, создавая его при первом обращении.
func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.clients.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.clients.Add(ip, l)
	return l
}

// Middleware возвращает HTTP middleware. Превышение лимита — 429 RATE_LIMITED.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limit == rate.Inf {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			res := rl.limiter(ip).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				rateLimitedTotal.Inc()
				rl.logger.Warn("Превышен лимит запросов",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				apierrors.RateLimited(w, "Слишком много запросов, повторите позже", delay)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP возвращает IP из RemoteAddr без порта.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
