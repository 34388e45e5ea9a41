// Package reliability holds the retry and circuit breaking used around
// upstream API calls and delivery channels.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxRetries defaults to 3 when zero; a negative value disables retries
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         bool          `yaml:"jitter"`

	// RetryIf decides whether an error is worth another attempt.
	// Context errors are never retried.
	RetryIf func(error) bool `yaml:"-"`
	// OnRetry is called before each wait
	OnRetry func(err error, wait time.Duration) `yaml:"-"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// RetryAfterer is implemented by errors that carry a server-provided wait
type RetryAfterer interface {
	RetryAfter() time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	return c
}

// Retry executes fn with exponential backoff
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	config = config.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = config.InitialBackoff
	expo.MaxInterval = config.MaxBackoff
	expo.Multiplier = config.Multiplier
	expo.RandomizationFactor = 0
	if config.Jitter {
		expo.RandomizationFactor = 0.2
	}

	return run(ctx, config.MaxRetries, expo, config, fn)
}

// RetryWithBackoff executes fn with a custom backoff strategy
func RetryWithBackoff(ctx context.Context, maxRetries int, backoffFunc func(attempt int) time.Duration, fn RetryFunc) error {
	return run(ctx, maxRetries, &funcBackOff{next: backoffFunc}, RetryConfig{}, fn)
}

func run(ctx context.Context, maxRetries int, b backoff.BackOff, config RetryConfig, fn RetryFunc) error {
	var lastErr error
	permanent := false

	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrRetryAborted, err))
		}

		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err

		if !isRetryable(err, config.RetryIf) {
			permanent = true
			return struct{}{}, backoff.Permanent(err)
		}

		var ra RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			return struct{}{}, backoff.RetryAfter(int(ra.RetryAfter().Round(time.Second) / time.Second))
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if config.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			config.OnRetry(lastErr, wait)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRetryAborted):
		return err
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrRetryAborted, ctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
	}
}

// isRetryable determines if an error should trigger a retry
func isRetryable(err error, retryIf func(error) bool) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if retryIf != nil {
		return retryIf(err)
	}
	return true
}

// funcBackOff adapts an attempt-indexed backoff function to backoff.BackOff
type funcBackOff struct {
	next    func(attempt int) time.Duration
	attempt int
}

func (f *funcBackOff) NextBackOff() time.Duration {
	d := f.next(f.attempt)
	f.attempt++
	return d
}

func (f *funcBackOff) Reset() {
	f.attempt = 0
}

// ConstantBackoff returns a constant backoff duration
func ConstantBackoff(duration time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return duration
	}
}
