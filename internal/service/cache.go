// cache.go — LRU-кэш пользователей для проверки access-токенов.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/audioscribe/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	userCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_user_cache_hits_total",
		Help: "Общее количество попаданий в кэш пользователей.",
	})
	userCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_user_cache_misses_total",
		Help: "Общее количество промахов кэша пользователей.",
	})
	userCacheStaleFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_user_cache_stale_fills_total",
		Help: "Заполнения кэша, отброшенные из-за инвалидации во время чтения.",
	})
)

// UserCache — кэш пользователей по ID с TTL.
// Кэш локален для экземпляра: изменения epoch/профиля на этом экземпляре
// инвалидируют запись сразу, на других — по истечении TTL.
//
// Заполнение идёт в два шага: Generation перед чтением из БД, Set после.
// Любой Delete между ними увеличивает поколение, и Set отбрасывает
// прочитанного пользователя: он мог быть прочитан до смены epoch.
type UserCache struct {
	cache *expirable.LRU[string, *model.User]

	mu  sync.Mutex
	gen uint64
}

// NewUserCache создаёт кэш. size <= 0 отключает кэширование.
func NewUserCache(size int, ttl time.Duration) *UserCache {
	if size <= 0 || ttl <= 0 {
		return &UserCache{}
	}
	return &UserCache{cache: expirable.NewLRU[string, *model.User](size, nil, ttl)}
}

// Get возвращает копию пользователя из кэша.
func (c *UserCache) Get(id string) (*model.User, bool) {
	if c.cache == nil {
		return nil, false
	}
	u, ok := c.cache.Get(id)
	if !ok {
		userCacheMissesTotal.Inc()
		return nil, false
	}
	userCacheHitsTotal.Inc()
	cp := *u
	return &cp, true
}

// Generation возвращает текущее поколение инвалидаций.
// Вызывается до чтения пользователя из БД.
func (c *UserCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set сохраняет копию пользователя, если после gen не было инвалидаций.
// Возвращает false, если запись отброшена.
func (c *UserCache) Set(u *model.User, gen uint64) bool {
	if c.cache == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		userCacheStaleFillsTotal.Inc()
		return false
	}
	cp := *u
	c.cache.Add(u.ID, &cp)
	return true
}

// Delete инвалидирует запись и сбрасывает незавершённые заполнения.
func (c *UserCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.cache != nil {
		c.cache.Remove(id)
	}
}
