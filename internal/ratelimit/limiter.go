// Package ratelimit implements the global per-minute compile rate
// limit via Redis and an atomic Lua fixed-window counter. Grounded in
// and adapted from the teacher's common/ratelimit.RateLimiter: same
// embedded-script, atomic-INCR approach, narrowed to the single
// global limit this service's ambient surface needs.
package ratelimit

import (
	_ "embed"
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tachyontex/service/internal/logger"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Result is the outcome of a limit check.
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter checks the global compile rate against a Redis-backed
// fixed window.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// New builds a Limiter over an existing Redis client.
func New(client *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(rateLimitScript),
		log:    log,
	}
}

// CheckGlobal checks the process-wide compile rate limit (spec
// ambient addition, RATE_LIMIT_GLOBAL_PER_MIN): limit requests per
// 60-second window.
func (l *Limiter) CheckGlobal(ctx context.Context, limit int64) (*Result, error) {
	return l.check(ctx, "tachyontex:ratelimit:global", limit, 60)
}

func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	raw, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: script run: %w", err)
	}

	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("ratelimit: unexpected script result shape")
	}

	result := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !result.Allowed && l.log != nil {
		l.log.Warn("ratelimit: global limit exceeded", "current", result.CurrentCount, "limit", result.Limit)
	}
	return result, nil
}
