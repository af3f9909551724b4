package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits n submissions for a client, or refuses them.
type RateLimiter interface {
	Allow(ctx context.Context, client string, n int) (bool, error)
}

// MemoryRateLimiter is a fixed window counter per client, local to one
// gateway process.
type MemoryRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*rateWindow
	lastPrune time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, client string, n int) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	w, ok := l.windows[client]
	if !ok || now.Sub(w.start) >= l.window {
		w = &rateWindow{start: now}
		l.windows[client] = w
	}
	if w.count+n > l.limit {
		return false, nil
	}
	w.count += n
	return true, nil
}

// prune drops expired windows at most once per window length.
func (l *MemoryRateLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for client, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, client)
		}
	}
}

// RedisRateLimiter shares the window across gateway replicas with one
// counter key per client and window. Refused submissions still count.
type RedisRateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "hpcfire:ratelimit:",
		now:    time.Now,
	}
}

func (l *RedisRateLimiter) key(client string) string {
	slot := l.now().UnixNano() / int64(l.window)
	return l.prefix + client + ":" + strconv.FormatInt(slot, 10)
}

func (l *RedisRateLimiter) Allow(ctx context.Context, client string, n int) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := l.key(client)

	pipe := l.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}
