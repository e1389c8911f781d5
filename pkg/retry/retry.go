package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	MaxTotalTimeout time.Duration
}

// DefaultConfig returns a default retry configuration with 1 minute max timeout
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     10,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		MaxTotalTimeout: 60 * time.Second,
	}
}

// Permanent marks err as not worth retrying. Do and DoWithLog return it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do executes the given function with exponential backoff retry logic
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return DoWithLog(ctx, cfg, "", fn, nil)
}

// DoWithLog executes the function with retry and reports each failed attempt to logFn
func DoWithLog(ctx context.Context, cfg Config, serviceName string, fn func() error, logFn func(attempt int, err error, nextDelay time.Duration)) error {
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return fn()
		},
		policy(ctx, cfg),
		func(err error, next time.Duration) {
			if logFn != nil {
				logFn(attempt, err, next)
			}
		},
	)
	if err == nil {
		return nil
	}
	if serviceName == "" {
		return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", serviceName, attempt, err)
}

func policy(ctx context.Context, cfg Config) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.BackoffFactor
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = cfg.MaxTotalTimeout
	exp.Reset()

	var b backoff.BackOff = exp
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
