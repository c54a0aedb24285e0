package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	err := Retry(ctx, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	err := Retry(ctx, RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	cb := New(Config{MaxFailures: 2, Timeout: time.Hour, HalfOpenMax: 1})

	failing := func() error { return errors.New("boom") }

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	ctx := context.Background()
	cb := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}
