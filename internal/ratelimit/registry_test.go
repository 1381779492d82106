package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAllowsBurstUpToQuota(t *testing.T) {
	t.Parallel()

	r := NewRegistry(map[string]ServiceConfig{
		"github": {Calls: 3, Period: time.Minute},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Acquire(ctx, "github"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "quota-sized burst should not block")
}

func TestAcquireBlocksBeyondQuota(t *testing.T) {
	t.Parallel()

	r := NewRegistry(map[string]ServiceConfig{
		"pages": {Calls: 1, Period: time.Hour},
	})

	require.NoError(t, r.Acquire(context.Background(), "pages"))

	// The bucket is empty and refills one token per hour, so the next
	// acquire must run into the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, "pages")
	require.Error(t, err)
	assert.ErrorContains(t, err, "rate limit wait for pages")
}

func TestAcquireRefillsOverTime(t *testing.T) {
	t.Parallel()

	// 5 calls per 250ms refills a token every 50ms.
	r := NewRegistry(map[string]ServiceConfig{
		"bulk": {Calls: 5, Period: 250 * time.Millisecond},
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Acquire(context.Background(), "bulk"))
	}

	start := time.Now()
	require.NoError(t, r.Acquire(context.Background(), "bulk"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "sixth call waits for a refill")
}

func TestUnknownServiceUsesFallback(t *testing.T) {
	t.Parallel()

	// The fallback is the most conservative configured quota: one call
	// per minute here, so a second acquire on an unknown service blocks.
	r := NewRegistry(map[string]ServiceConfig{
		"slow": {Calls: 1, Period: time.Minute},
		"fast": {Calls: 100, Period: time.Second},
	})

	require.NoError(t, r.Acquire(context.Background(), "mystery"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, r.Acquire(ctx, "mystery"))
}

func TestServicesAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(map[string]ServiceConfig{
		"a": {Calls: 1, Period: time.Hour},
		"b": {Calls: 1, Period: time.Hour},
	})

	require.NoError(t, r.Acquire(context.Background(), "a"))
	// Draining a's bucket must not affect b's.
	require.NoError(t, r.Acquire(context.Background(), "b"))
}
