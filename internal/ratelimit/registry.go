// Package ratelimit implements a per-service token bucket registry; every
// fetch path acquires a token before touching the network.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainscope/harvester/internal/metrics"
)

// ServiceConfig declares one service's quota: Calls tokens per Period.
type ServiceConfig struct {
	Calls  int
	Period time.Duration
}

// Registry manages independent token buckets per service. Buckets refill
// continuously at Calls/Period with capacity Calls, so no sliding window of
// length Period ever admits more than Calls acquisitions.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]ServiceConfig
	fallback ServiceConfig
}

// NewRegistry builds a Registry from the per-service configuration.
// Services without an entry fall back to the most conservative configured
// quota.
func NewRegistry(configs map[string]ServiceConfig) *Registry {
	fallback := ServiceConfig{Calls: 10, Period: time.Minute}
	for _, cfg := range configs {
		if perCall(cfg) > perCall(fallback) {
			fallback = cfg
		}
	}
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		configs:  configs,
		fallback: fallback,
	}
}

func perCall(cfg ServiceConfig) time.Duration {
	if cfg.Calls <= 0 {
		return time.Minute
	}
	return cfg.Period / time.Duration(cfg.Calls)
}

// Acquire blocks until a token is available for the service or the context
// ends. Token consumption is atomic inside x/time/rate, so concurrent
// callers never share a token.
func (r *Registry) Acquire(ctx context.Context, service string) error {
	limiter := r.limiter(service)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", service, err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(service, delay)
	}
	return nil
}

func (r *Registry) limiter(service string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.limiters[service]; ok {
		return limiter
	}
	cfg, ok := r.configs[service]
	if !ok {
		cfg = r.fallback
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.Calls)/cfg.Period.Seconds()), cfg.Calls)
	r.limiters[service] = limiter
	return limiter
}
