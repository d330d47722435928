// Package ratelimit provides one token-bucket limiter per source, shared
// process-wide across every worker that calls that source, with burst
// capacity and a reset_after hook for honoring a 429's Retry-After hint.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config parameterizes a single source's bucket.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// defaults holds the illustrative per-source table.
var defaults = map[string]Config{
	"openalex":         {RatePerSecond: 10, Burst: 15},
	"semantic_scholar": {RatePerSecond: 1.0, Burst: 3},
	"arxiv":            {RatePerSecond: 0.33, Burst: 1},
	"crossref":         {RatePerSecond: 50, Burst: 100},
}

// DefaultConfig returns the illustrative default for source, or a
// conservative 1/s-burst-1 fallback for sources not in the table.
func DefaultConfig(source string) Config {
	if c, ok := defaults[source]; ok {
		return c
	}
	return Config{RatePerSecond: 1, Burst: 1}
}

// Limiter is one source's token bucket. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	originalLimit rate.Limit
	originalBurst int
	resetTimer    *time.Timer
}

// New creates a Limiter with an initial fill equal to its burst capacity.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RatePerSecond)
	return &Limiter{
		limiter:       rate.NewLimiter(limit, cfg.Burst),
		originalLimit: limit,
		originalBurst: cfg.Burst,
	}
}

// Acquire blocks the calling goroutine until one token is available, or
// until ctx is done — ctx.Err() is returned in that case. This is the
// suspension point where cancellation must be observable.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		err := l.limiter.Wait(ctx)
		if err == nil {
			return nil
		}
		// Wait fails at once rather than blocking while a ResetAfter
		// window has the burst at zero; poll until the bucket is restored.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ResetAfter empties the bucket and schedules it to refill no earlier
// than retryAfter from now, in reaction to an HTTP 429.
func (l *Limiter) ResetAfter(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.limiter.SetBurstAt(now, 0)
	l.limiter.SetLimitAt(now, 0)

	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
	l.resetTimer = time.AfterFunc(retryAfter, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		restoreAt := time.Now()
		l.limiter.SetLimitAt(restoreAt, l.originalLimit)
		l.limiter.SetBurstAt(restoreAt, l.originalBurst)
	})
}

// Registry is a shared, process-wide singleton keyed by source name. Only
// the registry's own lock mutates its map; individual Limiters have their
// own lock for token state.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	configs  map[string]Config // per-source overrides, set via Configure
}

// NewRegistry returns an empty registry. Sources get a Limiter lazily, on
// first use, seeded from Configure (if called) or DefaultConfig.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		configs:  make(map[string]Config),
	}
}

// Configure overrides the bucket parameters for source. Must be called
// before the source's first Get to take effect, since the Limiter itself
// is created once and reused.
func (r *Registry) Configure(source string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[source] = cfg
}

// Get returns the shared Limiter for source, creating it on first access.
func (r *Registry) Get(source string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[source]; ok {
		return l
	}
	cfg, ok := r.configs[source]
	if !ok {
		cfg = DefaultConfig(source)
	}
	l := New(cfg)
	r.limiters[source] = l
	return l
}
