// Package ratelimit implements a token bucket limiter keyed by source
// name. It bounds the rate of chapter-start operations; the concurrency
// gates bound parallelism separately.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mangaleech/mangaleech/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultPerMinute applies to sources without an explicit budget.
	DefaultPerMinute int
	Burst            int
}

// Limiter manages per-source token buckets.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := perMinute(cfg.DefaultPerMinute)
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// SetBudget registers or replaces the per-minute budget for a source.
// A non-positive budget falls back to the default rate.
func (l *Limiter) SetBudget(source string, opsPerMinute int) {
	r := l.defaultRate
	if opsPerMinute > 0 {
		r = perMinute(opsPerMinute)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[source] = rate.NewLimiter(r, l.defaultBurst)
}

// Wait blocks until a token is available for the given source,
// respecting the context.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[source]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[source] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}

func perMinute(ops int) rate.Limit {
	if ops <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(ops) / 60.0)
}
