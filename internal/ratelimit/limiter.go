// Package ratelimit implements component C2: sliding-window token
// bucket rate limiting via the shared store's server-side script, with
// a fail-closed in-process fallback when the store is unreachable
// (spec §4.2).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/odin-gateway/realtime-gateway/internal/breaker"
	"github.com/odin-gateway/realtime-gateway/internal/metrics"
	"github.com/odin-gateway/realtime-gateway/internal/store"
)

// Scope identifies which of the three limiter scopes in spec §4.2 a
// check applies to.
type Scope struct {
	Key    string
	Window time.Duration
	Limit  int64
}

// Result mirrors store.RateLimitResult for callers that don't want to
// import the store package.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetTime time.Time
	Limit     int64
}

// Limiter checks and admits requests against the shared store, falling
// back to a restrictive in-process limiter on StoreUnavailable.
type Limiter struct {
	st      store.Store
	br      *breaker.Breaker
	metrics *metrics.Registry
	logger  *zap.Logger

	fallback *fallbackLimiter
}

// New builds a Limiter backed by st.
func New(st store.Store, registry *metrics.Registry, logger *zap.Logger) *Limiter {
	l := &Limiter{
		st:      st,
		metrics: registry,
		logger:  logger,
	}
	l.br = breaker.New(func(isOpen bool) {
		if registry != nil {
			if isOpen {
				registry.StoreBreakerOpen.Set(1)
			} else {
				registry.StoreBreakerOpen.Set(0)
			}
		}
	})
	l.fallback = newFallbackLimiter()
	return l
}

// Check evaluates scope and returns whether the request is admitted.
// On StoreUnavailable, it fails closed through the 10% in-process
// fallback (spec invariant #6).
func (l *Limiter) Check(ctx context.Context, scope Scope) (Result, error) {
	if l.metrics != nil {
		l.metrics.RateLimitHits.Inc()
	}

	if l.br.Allow() {
		res, err := l.st.RateLimitCheck(ctx, scope.Key, int64(scope.Window/time.Second), scope.Limit, uuid.NewString())
		if err == nil {
			l.br.Success()
			l.recordBlock(res.Allowed)
			return Result{Allowed: res.Allowed, Remaining: res.Remaining, ResetTime: res.ResetTime, Limit: res.Limit}, nil
		}
		l.br.Failure()
		if l.logger != nil {
			l.logger.Warn("rate limiter falling back to in-process limiter", zap.Error(err), zap.String("key", scope.Key))
		}
	}

	res := l.fallback.check(scope)
	l.recordBlock(res.Allowed)
	return res, nil
}

func (l *Limiter) recordBlock(allowed bool) {
	if l.metrics != nil && !allowed {
		l.metrics.RateLimitBlocks.Inc()
	}
}

// UserActionScope, TenantTopicScope and GlobalScope build the three
// spec §4.2 scopes for a given check.
func UserActionScope(userID, action string, window time.Duration, limit int64) Scope {
	return Scope{Key: fmt.Sprintf("rate_limit:user:%s:%s", userID, action), Window: window, Limit: limit}
}

func TenantTopicScope(prefix, tenant, topic string, window time.Duration, limit int64) Scope {
	return Scope{Key: fmt.Sprintf("%s:rl:%s:%s", prefix, tenant, topic), Window: window, Limit: limit}
}

func GlobalScope(window time.Duration, limit int64) Scope {
	return Scope{Key: "rate_limit:global", Window: window, Limit: limit}
}

// fallbackLimiter tracks per-key timestamps in memory and enforces
// 10% of the configured limit for the same window (spec §4.2). A
// reaper deletes entries whose reset time is stale.
type fallbackLimiter struct {
	mu      sync.Mutex
	buckets map[string]*fallbackBucket
}

type fallbackBucket struct {
	timestamps []time.Time
	resetTime  time.Time
}

func newFallbackLimiter() *fallbackLimiter {
	return &fallbackLimiter{buckets: make(map[string]*fallbackBucket)}
}

func (f *fallbackLimiter) check(scope Scope) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.reap(now)

	b, ok := f.buckets[scope.Key]
	if !ok {
		b = &fallbackBucket{}
		f.buckets[scope.Key] = b
	}

	cutoff := now.Add(-scope.Window)
	kept := b.timestamps[:0]
	for _, t := range b.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.timestamps = kept

	fallbackLimit := scope.Limit / 10

	resetTime := now.Add(scope.Window)
	b.resetTime = resetTime

	if int64(len(b.timestamps)) >= fallbackLimit {
		return Result{Allowed: false, Remaining: 0, ResetTime: resetTime, Limit: fallbackLimit}
	}

	b.timestamps = append(b.timestamps, now)
	remaining := fallbackLimit - int64(len(b.timestamps))
	return Result{Allowed: true, Remaining: remaining, ResetTime: resetTime, Limit: fallbackLimit}
}

// reap deletes entries whose resetTime is older than 5 minutes (spec
// §4.2). Caller holds f.mu.
func (f *fallbackLimiter) reap(now time.Time) {
	cutoff := now.Add(-5 * time.Minute)
	for key, b := range f.buckets {
		if b.resetTime.Before(cutoff) {
			delete(f.buckets, key)
		}
	}
}
