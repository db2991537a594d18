package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loom-io/loom/internal/plugin"
)

// ErrMaxRetriesExceeded wraps the last attempt's error once the retry
// budget is spent. The processor maps it to a terminal failed outcome.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig bounds the attempt loop around raised transform errors.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first call included.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the growth of the backoff interval.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction in either
	// direction, spreading retries from concurrent runs.
	Jitter float64
}

// DefaultRetryConfig returns the retry bounds used when a pipeline does
// not configure its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RetryManager drives bounded attempt loops around fallible plugin
// calls. It owns only the decision to try again and the delay between
// tries; the closure receives the attempt number so every attempt
// records its own node state regardless of how the loop ends.
type RetryManager struct {
	cfg RetryConfig
}

// NewRetryManager creates a retry manager, filling unset config fields
// from the defaults.
func NewRetryManager(cfg RetryConfig) *RetryManager {
	def := DefaultRetryConfig()

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}

	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}

	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}

	if cfg.Jitter < 0 {
		cfg.Jitter = def.Jitter
	}

	return &RetryManager{cfg: cfg}
}

// MaxAttempts returns the configured attempt bound.
func (r *RetryManager) MaxAttempts() int {
	return r.cfg.MaxAttempts
}

// Do runs fn until it succeeds, fails with a non-retryable error, or
// exhausts the attempt budget. Only errors classified retryable are
// retried; anything else propagates immediately. Exhaustion returns
// ErrMaxRetriesExceeded wrapping the final attempt's error. Cancelling
// ctx aborts the wait between attempts.
func (r *RetryManager) Do(ctx context.Context, fn func(attempt int) error) error {
	bo := r.newBackOff()

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if !plugin.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, r.cfg.MaxAttempts, lastErr)
}

func (r *RetryManager) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialDelay
	bo.MaxInterval = r.cfg.MaxDelay
	bo.Multiplier = r.cfg.Multiplier
	bo.RandomizationFactor = r.cfg.Jitter

	// Attempts bound the loop; elapsed time does not.
	bo.MaxElapsedTime = 0
	bo.Reset()

	return bo
}
