// Package ratelimit ограничивает частоту операций фиксированным окном: в Redis для
// нескольких экземпляров сервиса или в памяти процесса для одиночного запуска.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule разрешает не более Limit операций за Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Enabled сообщает, задано ли ограничение.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Decision описывает результат проверки лимита.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter хранит счётчики окон в Redis. INCR и PEXPIRE выполняются одним скриптом.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter создаёт ограничитель поверх клиента Redis.
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "ecokoin:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow учитывает одну операцию subject в области scope.
func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string, rule Rule) (Decision, error) {
	if r == nil || r.client == nil || !rule.Enabled() {
		return Decision{Allowed: true}, nil
	}

	windowMs := max(rule.Window.Milliseconds(), 1000)

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run limiter script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected limiter response: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	return decide(int(count), rule, time.Duration(ttlMs)*time.Millisecond), nil
}

func decide(count int, rule Rule, ttl time.Duration) Decision {
	d := Decision{Allowed: count <= rule.Limit, Count: count}
	if !d.Allowed {
		d.RetryAfter = max(ttl.Round(time.Second), time.Second)
	}
	return d
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter хранит счётчики окон в памяти процесса.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter создаёт ограничитель в памяти.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow учитывает одну операцию subject в области scope.
func (m *MemoryLimiter) Allow(_ context.Context, scope, subject string, rule Rule) (Decision, error) {
	if !rule.Enabled() {
		return Decision{Allowed: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := scope + ":" + subject

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[key] = w
		m.evict(now)
	}
	w.count++

	return decide(w.count, rule, w.resetAt.Sub(now)), nil
}

// evict удаляет истёкшие окна.
func (m *MemoryLimiter) evict(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}
