// Package retry wraps fetch calls with classification-aware exponential
// backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/metrics"
)

// Policy controls retry behavior. The zero value is not usable; construct
// with NewPolicy.
type Policy struct {
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleep replaces the sleep function (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		p.sleep = sleep
	}
}

// NewPolicy builds a Policy. Zero or negative arguments fall back to the
// defaults: 3 attempts, 1s..10s backoff.
func NewPolicy(maxAttempts int, backoffMin, backoffMax time.Duration, opts ...Option) *Policy {
	p := &Policy{
		maxAttempts: maxAttempts,
		backoffMin:  backoffMin,
		backoffMax:  backoffMax,
		sleep:       sleepCtx,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.backoffMin <= 0 {
		p.backoffMin = time.Second
	}
	if p.backoffMax < p.backoffMin {
		p.backoffMax = 10 * time.Second
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs fn until it succeeds, fails fatally, or attempts are exhausted.
// Exhaustion converts the last transient error into a fatal one; the caller
// records the task as failed and moves on.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !harvest.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.maxAttempts-1 {
			break
		}
		metrics.CountRetry(string(harvest.Classify(lastErr)))
		if err := p.sleep(ctx, p.delay(attempt, lastErr)); err != nil {
			return err
		}
	}
	return fmt.Errorf("attempts exhausted after %d tries: %w", p.maxAttempts, lastErr)
}

// delay doubles the minimum per attempt, capped at the maximum, with up to
// half a step of jitter. A provider-supplied Retry-After wins when longer.
func (p *Policy) delay(attempt int, err error) time.Duration {
	d := float64(p.backoffMin) * math.Pow(2, float64(attempt))
	if d > float64(p.backoffMax) {
		d = float64(p.backoffMax)
	}
	delay := time.Duration(d)
	delay += randomJitter(delay / 2)

	var te *harvest.TaskError
	if errors.As(err, &te) && te.RetryAfter > delay {
		delay = te.RetryAfter
	}
	return delay
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
