// Package ratelimit owns the shared token buckets. One Limiter serves
// three scopes: per-agent inbound work, per-provider AI calls and
// per-tenant admin traffic. Buckets are process-local; with Redis
// configured a fixed-window counter runs ahead of them so several hub
// processes share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agenthub/internal/config"
)

// Scopes.
const (
	ScopeAgent    = "agent"
	ScopeProvider = "provider"
	ScopeTenant   = "tenant"
)

const (
	maxKeys      = 4096
	idleTTL      = 10 * time.Minute
	redisTimeout = 250 * time.Millisecond
	window       = time.Minute
)

type bucketKey struct {
	scope string
	id    string
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter hands out capacity per (scope, id) pair.
type Limiter struct {
	cfg *config.Config
	log *slog.Logger
	rdb *redis.Client

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// New builds a Limiter. When the config carries a Redis URL the limiter
// also checks a shared fixed-window counter; a broken Redis degrades to
// local-only enforcement instead of failing requests.
func New(cfg *config.Config, log *slog.Logger) (*Limiter, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Limiter{
		cfg:     cfg,
		log:     log,
		buckets: make(map[bucketKey]*bucket),
	}
	if url := cfg.RedisURL(); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		l.rdb = redis.NewClient(opt)
	}
	return l, nil
}

// Close releases the Redis connection, if any.
func (l *Limiter) Close() error {
	if l.rdb != nil {
		return l.rdb.Close()
	}
	return nil
}

// TryAcquire takes n units for (scope, id) without blocking. When denied
// it reports how long the caller should wait before retrying. Unknown
// providers and providers without a configured rate are unlimited.
func (l *Limiter) TryAcquire(scope, id string, n int) (bool, time.Duration) {
	perMinute, burst := l.limitsFor(scope, id)
	if perMinute <= 0 {
		return true, 0
	}
	if n <= 0 {
		n = 1
	}

	if l.rdb != nil {
		if ok, wait := l.windowAllow(scope, id, n, perMinute); !ok {
			return false, wait
		}
	}

	b := l.bucket(scope, id, perMinute, burst)
	res := b.lim.ReserveN(time.Now(), n)
	if !res.OK() {
		return false, window
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) limitsFor(scope, id string) (perMinute, burst int) {
	switch scope {
	case ScopeAgent:
		lim := l.cfg.RateLimits()
		return lim.AgentPerMinute, lim.AgentBurst
	case ScopeTenant:
		lim := l.cfg.RateLimits()
		return lim.TenantPerMinute, lim.TenantBurst
	case ScopeProvider:
		prof := l.cfg.Provider(id)
		if prof == nil || prof.RatePerMinute <= 0 {
			return 0, 0
		}
		burst := prof.RatePerMinute / 6
		if burst < 1 {
			burst = 1
		}
		return prof.RatePerMinute, burst
	default:
		return 0, 0
	}
}

func (l *Limiter) bucket(scope, id string, perMinute, burst int) *bucket {
	key := bucketKey{scope: scope, id: id}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxKeys {
			l.pruneLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)}
		l.buckets[key] = b
	} else {
		// Config changes flow into live buckets on next use.
		want := rate.Limit(float64(perMinute) / 60.0)
		if b.lim.Limit() != want {
			b.lim.SetLimit(want)
		}
		if b.lim.Burst() != burst {
			b.lim.SetBurst(burst)
		}
	}
	b.lastUsed = now
	return b
}

// pruneLocked drops idle buckets; if every bucket is warm it evicts the
// coldest one so the map stays bounded.
func (l *Limiter) pruneLocked(now time.Time) {
	var coldest bucketKey
	var coldestAt time.Time
	for k, b := range l.buckets {
		if now.Sub(b.lastUsed) > idleTTL {
			delete(l.buckets, k)
			continue
		}
		if coldestAt.IsZero() || b.lastUsed.Before(coldestAt) {
			coldest, coldestAt = k, b.lastUsed
		}
	}
	if len(l.buckets) >= maxKeys && !coldestAt.IsZero() {
		delete(l.buckets, coldest)
	}
}

// windowAllow enforces the shared fixed-window counter. The first hit in
// a window sets the expiry; a denied hit reports the window's remaining
// TTL as the retry delay. Redis trouble fails open.
func (l *Limiter) windowAllow(scope, id string, n, perMinute int) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := fmt.Sprintf("agenthub:rl:%s:%s", scope, id)
	count, err := l.rdb.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		l.log.Warn("ratelimit.redis_unavailable", "error", err)
		return true, 0
	}
	if count == int64(n) {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			l.log.Warn("ratelimit.redis_expire_failed", "key", key, "error", err)
		}
	}
	if count <= int64(perMinute) {
		return true, 0
	}
	wait := window
	if ttl, err := l.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		wait = ttl
	}
	return false, wait
}
