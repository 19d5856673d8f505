package cache

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/cardwatch/backend/internal/frauderr"
)

// Limiter enforces a per-client fixed-window rate limit backed by the KV
// store, so every replica of the service counts against the same window.
//
// The limiter fails open: if the store errors, the request is allowed and the
// error is logged. Losing rate limiting briefly is preferable to failing
// every triage start because Redis blinked.
type Limiter struct {
	kv     KV
	window time.Duration
	max    int64
	logger *log.Logger
}

// LimitResult reports the window state after admitting a request.
type LimitResult struct {
	Allowed       bool
	Remaining     int64
	RetryAfterSec int
}

func NewLimiter(kv KV, window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 300
	}
	return &Limiter{
		kv:     kv,
		window: window,
		max:    int64(max),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow admits or rejects one request from clientID. The Nth request in a
// window passes, the (N+1)th fails with a RateLimited error carrying
// retryAfter in whole seconds.
func (l *Limiter) Allow(ctx context.Context, clientID string) (LimitResult, error) {
	key := "rate_limit:" + clientID

	count, err := l.kv.Incr(ctx, key)
	if err != nil {
		l.logger.Printf("store error for %s, failing open: %v", clientID, err)
		return LimitResult{Allowed: true, Remaining: l.max}, nil
	}

	if count == 1 {
		// First hit starts the window.
		if err := l.kv.Expire(ctx, key, l.window); err != nil {
			l.logger.Printf("expire failed for %s, failing open: %v", clientID, err)
			return LimitResult{Allowed: true, Remaining: l.max - 1}, nil
		}
	}

	ttl, ok, err := l.kv.TTL(ctx, key)
	if err != nil {
		l.logger.Printf("ttl lookup failed for %s, failing open: %v", clientID, err)
		return LimitResult{Allowed: true}, nil
	}
	if !ok {
		// Counter lost its expiry (e.g. Expire raced an eviction); restart
		// the window rather than rate-limit forever.
		ttl = l.window
		_ = l.kv.Expire(ctx, key, l.window)
	}

	retryAfter := int(math.Ceil(ttl.Seconds()))
	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}

	if count > l.max {
		return LimitResult{Allowed: false, Remaining: 0, RetryAfterSec: retryAfter},
			frauderr.RateLimited(retryAfter)
	}
	return LimitResult{Allowed: true, Remaining: remaining, RetryAfterSec: retryAfter}, nil
}
