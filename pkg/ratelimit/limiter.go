// Package ratelimit implements a Redis-backed fixed-window rate limiter
// keyed by route class and client network prefix.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sitebeacon/beacon/pkg/clock"
)

// Clamp bounds for limit and window inputs.
const (
	minLimit      = 1
	maxLimit      = 10000
	minWindowSecs = 1
	maxWindowSecs = 86400
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per (class, network shard, window). Redis INCR
// keeps the count atomic across instances; when Redis is unreachable the
// limiter fails open so tracking is never blocked by the limiter's own
// infrastructure.
type Limiter struct {
	rdb    *redis.Client
	clock  clock.Clock
	logger *slog.Logger
}

// NewLimiter creates a Limiter over an existing Redis client.
func NewLimiter(rdb *redis.Client, clk clock.Clock, logger *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, clock: clk, logger: logger.With("component", "ratelimit")}
}

// Allow checks and consumes one request for the client within the named
// class. limit and windowSecs are clamped to sane bounds.
func (l *Limiter) Allow(ctx context.Context, class, ip string, limit, windowSecs int) Result {
	limit = clamp(limit, minLimit, maxLimit)
	windowSecs = clamp(windowSecs, minWindowSecs, maxWindowSecs)

	now := l.clock.Now()
	windowStart := now.Unix() - now.Unix()%int64(windowSecs)
	resetAt := time.Unix(windowStart+int64(windowSecs), 0).UTC()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", class, ShardIP(ip), windowStart)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("Rate limit check failed, allowing request", "class", class, "error", err)
		return Result{Allowed: true, Remaining: limit, ResetAt: resetAt}
	}
	if count == 1 {
		// First hit in the window owns the expiry.
		if err := l.rdb.Expire(ctx, key, time.Duration(windowSecs)*time.Second).Err(); err != nil {
			l.logger.Warn("Failed to set rate limit window expiry", "key", key, "error", err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// ShardIP maps a client address to its rate-limit shard: the /16 prefix for
// IPv4, the first four groups for IPv6. Sharding by prefix resists rotation
// within a block while keeping unrelated clients apart.
func ShardIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "unknown"
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d", v4[0], v4[1])
	}
	groups := strings.Split(parsed.String(), ":")
	if len(groups) > 4 {
		groups = groups[:4]
	}
	return strings.Join(groups, ":")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
