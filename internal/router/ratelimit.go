package router

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// RateLimiter is a fixed-window limiter keyed by client IP. Counters live
// in Redis when a client is given; without Redis, or while Redis is
// failing, an in-process token bucket per IP takes over.
type RateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	block  time.Duration
	prefix string
	clock  clockwork.Clock
	logger *zap.SugaredLogger

	mu     sync.Mutex
	local  map[string]*localBucket
	pruned time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(rdb redis.Cmdable, cfg Config, logger *zap.SugaredLogger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateBlock <= 0 {
		cfg.RateBlock = cfg.RateWindow
	}
	return &RateLimiter{
		rdb:    rdb,
		limit:  cfg.RateLimit,
		window: cfg.RateWindow,
		block:  cfg.RateBlock,
		prefix: cfg.RatePrefix,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		local:  map[string]*localBucket{},
	}
}

// clientIP is the peer address. Forwarding headers are only honoured when
// the router runs behind a trusted proxy, where RealIP has already
// rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, retry := l.allow(r.Context(), ip)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			utilities.WriteError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration) {
	if l.rdb != nil {
		ok, retry, err := l.allowRedis(ctx, ip)
		if err == nil {
			return ok, retry
		}
		l.logger.Warnw("rate limiter redis unavailable, using local limiter", "err", err)
	}
	return l.allowLocal(ip), l.window
}

func (l *RateLimiter) allowRedis(ctx context.Context, ip string) (bool, time.Duration, error) {
	key := l.prefix + ":ip:" + ip
	blockKey := key + ":blocked"

	ttl, err := l.rdb.TTL(ctx, blockKey).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl > 0 {
		return false, ttl, nil
	}

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if n > int64(l.limit) {
		if err := l.rdb.Set(ctx, blockKey, "1", l.block).Err(); err != nil {
			return false, 0, err
		}
		return false, l.block, nil
	}
	return true, 0, nil
}

func (l *RateLimiter) allowLocal(ip string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	l.pruneLocked(now)
	b, ok := l.local[ip]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.local[ip] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// pruneLocked drops buckets idle for a full window, which have refilled
// and are indistinguishable from new ones. It runs at most once a window.
func (l *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.pruned) < l.window {
		return
	}
	l.pruned = now
	for ip, b := range l.local {
		if now.Sub(b.seen) >= l.window {
			delete(l.local, ip)
		}
	}
}

func (l *RateLimiter) localLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.local)
}
