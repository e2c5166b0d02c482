// Package ratelimit provides named token buckets gating calls to external
// APIs. Each bucket holds `requests` tokens refilled over `window`; Acquire
// blocks until a token is available, TryAcquire returns immediately.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketConfig describes one named bucket.
type BucketConfig struct {
	Requests int           // tokens per window
	Window   time.Duration // refill window
}

// Limiter manages a set of named token buckets. Buckets without explicit
// config are unlimited. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	cfgs    map[string]BucketConfig
	buckets map[string]*rate.Limiter
}

// New creates a limiter from per-bucket configs.
func New(cfgs map[string]BucketConfig) *Limiter {
	if cfgs == nil {
		cfgs = make(map[string]BucketConfig)
	}
	return &Limiter{
		cfgs:    cfgs,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a token is available in the bucket or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, bucket string) error {
	lim := l.get(bucket)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// TryAcquire consumes a token if one is immediately available.
func (l *Limiter) TryAcquire(bucket string) bool {
	lim := l.get(bucket)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

func (l *Limiter) get(bucket string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.buckets[bucket]; ok {
		return lim
	}
	cfg, ok := l.cfgs[bucket]
	if !ok || cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil
	}
	per := rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds())
	lim := rate.NewLimiter(per, cfg.Requests)
	l.buckets[bucket] = lim
	return lim
}
