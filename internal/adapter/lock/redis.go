package lock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferixdi-png/TRT-sub000/internal/observability"
)

// Only the owner token may delete the key.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker implements the distributed lock with SET NX EX and a
// compare-and-delete release script. When Redis is unreachable it degrades
// to the in-process locker; a watchdog with a sub-second connect deadline
// flips availability both ways.
type RedisLocker struct {
	rdb            *redis.Client
	prefix         string
	connectTimeout time.Duration
	local          *LocalLocker
	script         *redis.Script
	healthy        atomic.Bool
}

// NewRedisLocker builds a tenant-scoped locker. A nil client serves
// everything locally.
func NewRedisLocker(rdb *redis.Client, tenant string, connectTimeout time.Duration) *RedisLocker {
	if tenant == "" {
		tenant = "default"
	}
	if connectTimeout <= 0 {
		connectTimeout = 500 * time.Millisecond
	}
	l := &RedisLocker{
		rdb:            rdb,
		prefix:         "tenant:" + tenant + ":lock:",
		connectTimeout: connectTimeout,
		local:          NewLocalLocker(),
		script:         redis.NewScript(releaseScript),
	}
	l.healthy.Store(rdb != nil)
	return l
}

// Watchdog probes the connection until ctx ends, recovering from local
// fallback once Redis answers again.
func (l *RedisLocker) Watchdog(ctx context.Context, interval time.Duration) {
	if l.rdb == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
			err := l.rdb.Ping(pctx).Err()
			cancel()
			was := l.healthy.Swap(err == nil)
			switch {
			case was && err != nil:
				slog.Warn("redis lock backend unavailable, degrading to local locks", slog.Any("error", err))
			case !was && err == nil:
				slog.Info("redis lock backend recovered")
			}
		}
	}
}

// Acquire takes the named lock, polling across the wait budget. Redis errors
// mark the backend unhealthy and serve the request locally.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration, maxAttempts int) (Handle, error) {
	if l.rdb == nil || !l.healthy.Load() {
		return l.fallback(ctx, key, ttl, wait, maxAttempts, nil)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	token := ownerToken()
	full := l.prefix + key
	pause := pollPause(wait, maxAttempts)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, l.connectTimeout)
		ok, err := l.rdb.SetNX(cctx, full, token, ttl).Result()
		cancel()
		if err != nil {
			l.healthy.Store(false)
			return l.fallback(ctx, key, ttl, wait, maxAttempts, err)
		}
		if ok {
			observability.LockAcquireTotal.WithLabelValues("redis", "acquired").Inc()
			return &redisHandle{locker: l, key: full, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
	observability.LockAcquireTotal.WithLabelValues("redis", "timeout").Inc()
	return nil, ErrNotAcquired
}

func (l *RedisLocker) fallback(ctx context.Context, key string, ttl, wait time.Duration, maxAttempts int, cause error) (Handle, error) {
	observability.LockFallbacksTotal.Inc()
	if cause != nil {
		slog.Warn("lock degraded to local", slog.String("key", key), slog.Any("error", cause))
	}
	h, err := l.local.Acquire(ctx, key, ttl, wait, maxAttempts)
	outcome := "acquired"
	if err != nil {
		outcome = "timeout"
	}
	observability.LockAcquireTotal.WithLabelValues("local", outcome).Inc()
	return h, err
}

type redisHandle struct {
	locker *RedisLocker
	key    string
	token  string
	once   sync.Once
	err    error
}

// Release deletes the key only while this handle still owns it. A failed
// release is logged and left to the TTL.
func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		// Release must still work when the caller exits on a canceled context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.locker.connectTimeout)
		defer cancel()
		if err := h.locker.script.Run(rctx, h.locker.rdb, []string{h.key}, h.token).Err(); err != nil {
			slog.Warn("lock release failed, ttl will reclaim", slog.String("key", h.key), slog.Any("error", err))
			h.err = err
		}
	})
	return h.err
}
