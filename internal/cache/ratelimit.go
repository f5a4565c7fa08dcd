package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of consuming one request from a fixed window.
type Decision struct {
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// Allowed reports whether the request fits inside the window's limit.
func (d Decision) Allowed() bool {
	return d.Count <= d.Limit
}

// RetryAfterSeconds rounds the remaining window up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int {
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RateLimiter counts requests per key within a fixed window.
type RateLimiter interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// INCR then arm the expiry on the first hit; returns the count and the remaining window in ms.
var consumeWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisRateLimiter shares request counts across instances.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "donations"
	}
	return &RedisRateLimiter{client: client, prefix: prefix + ":rate_limit"}
}

func (r *RedisRateLimiter) Consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if window < time.Second {
		window = time.Second
	}

	result, err := consumeWindowScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(result))
	}

	return Decision{
		Count:      int(result[0]),
		Limit:      limit,
		RetryAfter: time.Duration(result[1]) * time.Millisecond,
	}, nil
}

type windowCounter struct {
	hits    int
	resetAt time.Time
}

// MemoryRateLimiter keeps per-process windows for single-instance deployments.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
	now     func() time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string]*windowCounter), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (m *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	m.now = now
	return m
}

func (m *MemoryRateLimiter) Consume(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("rate limit key is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	counter, ok := m.windows[key]
	if !ok || !now.Before(counter.resetAt) {
		m.sweep(now)
		counter = &windowCounter{resetAt: now.Add(window)}
		m.windows[key] = counter
	}
	counter.hits++

	return Decision{Count: counter.hits, Limit: limit, RetryAfter: counter.resetAt.Sub(now)}, nil
}

// sweep drops expired windows so idle keys do not accumulate.
func (m *MemoryRateLimiter) sweep(now time.Time) {
	for key, counter := range m.windows {
		if !now.Before(counter.resetAt) {
			delete(m.windows, key)
		}
	}
}
