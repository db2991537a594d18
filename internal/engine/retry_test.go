package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-io/loom/internal/plugin"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestNewRetryManager_FillsDefaults(t *testing.T) {
	t.Run("empty config", func(t *testing.T) {
		r := NewRetryManager(RetryConfig{})

		assert.Equal(t, 3, r.cfg.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, r.cfg.InitialDelay)
		assert.Equal(t, 30*time.Second, r.cfg.MaxDelay)
		assert.Equal(t, 2.0, r.cfg.Multiplier)

		// Zero jitter is a choice, not an omission.
		assert.Equal(t, 0.0, r.cfg.Jitter)
	})

	t.Run("multiplier at or below one is replaced", func(t *testing.T) {
		r := NewRetryManager(RetryConfig{MaxAttempts: 5, Multiplier: 1.0})

		assert.Equal(t, 5, r.cfg.MaxAttempts)
		assert.Equal(t, 2.0, r.cfg.Multiplier)
	})

	t.Run("negative jitter is replaced", func(t *testing.T) {
		r := NewRetryManager(RetryConfig{Jitter: -1})

		assert.Equal(t, 0.1, r.cfg.Jitter)
	})

	t.Run("configured values survive", func(t *testing.T) {
		r := NewRetryManager(RetryConfig{
			MaxAttempts:  7,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   3.0,
			Jitter:       0.5,
		})

		assert.Equal(t, 7, r.MaxAttempts())
		assert.Equal(t, time.Second, r.cfg.InitialDelay)
		assert.Equal(t, time.Minute, r.cfg.MaxDelay)
		assert.Equal(t, 3.0, r.cfg.Multiplier)
		assert.Equal(t, 0.5, r.cfg.Jitter)
	})
}

func TestRetryManager_RecoversAfterRetryableFailures(t *testing.T) {
	r := NewRetryManager(fastRetryConfig())

	var attempts []int

	err := r.Do(context.Background(), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return plugin.Retryable(errors.New("lock timeout"))
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestRetryManager_NonRetryableStopsImmediately(t *testing.T) {
	r := NewRetryManager(fastRetryConfig())
	bug := errors.New("nil pointer")

	calls := 0

	err := r.Do(context.Background(), func(int) error {
		calls++

		return bug
	})

	assert.ErrorIs(t, err, bug)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryManager_ExhaustsAttemptBudget(t *testing.T) {
	r := NewRetryManager(fastRetryConfig())
	flaky := errors.New("connection reset")

	calls := 0

	err := r.Do(context.Background(), func(int) error {
		calls++

		return plugin.Retryable(flaky)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, flaky)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetryManager_CancelledDuringBackoff(t *testing.T) {
	r := NewRetryManager(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	err := r.Do(ctx, func(int) error {
		calls++
		cancel()

		return plugin.Retryable(errors.New("still down"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
