package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"transient wrapper", Transient(errors.New("boom")), ClassTransient},
		{"rate limited", RateLimited(errors.New("slow down"), time.Second), ClassRateLimit},
		{"auth", AuthFailure(errors.New("401")), ClassAuth},
		{"malformed", MalformedSource(errors.New("bad url")), ClassMalformed},
		{"parse", ParseFailure(errors.New("bad json")), ClassParse},
		{"storage", StorageFailure(errors.New("disk full")), ClassStorage},
		{"wrapped task error", fmt.Errorf("outer: %w", Transient(errors.New("inner"))), ClassTransient},
		{"context canceled", context.Canceled, ClassTransient},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"connection reset string", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"plain error", errors.New("who knows"), ClassUnknown},
		{"nil", nil, ClassUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(Transient(errors.New("boom"))))
	assert.True(t, Retryable(RateLimited(errors.New("429"), 0)))
	assert.True(t, Retryable(NotFound(errors.New("404"))))
	assert.False(t, Retryable(AuthFailure(errors.New("401"))))
	assert.False(t, Retryable(MalformedSource(errors.New("bad"))))
	assert.False(t, Retryable(nil))

	// Cancellation classifies as transient for reporting but must never
	// trigger another attempt.
	assert.Equal(t, ClassTransient, Classify(context.Canceled))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestFromStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, FromStatus(200, "http://x"))
	require.NoError(t, FromStatus(301, "http://x"))

	assert.Equal(t, ClassAuth, Classify(FromStatus(401, "http://x")))
	assert.Equal(t, ClassAuth, Classify(FromStatus(403, "http://x")))
	assert.Equal(t, ClassRateLimit, Classify(FromStatus(429, "http://x")))
	assert.Equal(t, ClassTransient, Classify(FromStatus(503, "http://x")))

	// A 404 is retried in case the upstream mirror is lagging; it only
	// becomes fatal once the retry policy runs out of attempts.
	err := FromStatus(404, "http://x")
	require.Error(t, err)
	assert.Equal(t, ClassNotFound, Classify(err))
	assert.True(t, Retryable(err))

	// Unmapped client errors stay fatal.
	assert.Equal(t, ClassUnknown, Classify(FromStatus(410, "http://x")))
	assert.False(t, Retryable(FromStatus(410, "http://x")))
}

func TestTaskErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("root cause")
	err := StorageFailure(fmt.Errorf("write: %w", inner))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "storage")
}
