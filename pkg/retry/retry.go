// Package retry provides bounded retry loops for lightmine services.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry is called before sleeping between attempts. attempt is 1-based
	// and refers to the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration optimized for network operations
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// DatabaseConfig returns retry configuration optimized for database operations
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// FixedConfig returns a configuration that waits the same delay between every attempt.
func FixedConfig(attempts int, delay time.Duration) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		MaxDelay:    delay,
		Multiplier:  1.0,
		Jitter:      false,
	}
}

// WithOnRetry returns a copy of the config with the given retry hook.
func (c *Config) WithOnRetry(fn func(attempt int, err error, delay time.Duration)) *Config {
	cp := *c
	cp.OnRetry = fn
	return &cp
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	attempts := max(config.MaxAttempts, 1)
	schedule := config.newBackOff()

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		// No delay after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", attempts)
}

// newBackOff builds the delay schedule for one retry loop.
func (c *Config) newBackOff() backoff.BackOff {
	if c.Multiplier <= 1.0 {
		return backoff.NewConstantBackOff(c.BaseDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if c.Jitter {
		b.RandomizationFactor = 0.1
	}
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
