package cron

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds ExecuteWithRetry. MaxRetries counts retries after the
// first attempt; zero runs fn once.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig suits storage writes on the kernel's hot path.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// ExecuteWithRetry calls fn until it succeeds or the retries run out,
// sleeping a jittered exponential backoff between calls. It reports the
// number of calls made and the last error. A done ctx ends the wait early.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) (int, error) {
	attempts := 0
	for {
		err := fn(ctx)
		attempts++
		if err == nil || attempts > cfg.MaxRetries {
			return attempts, err
		}
		wait := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempts-1))
		select {
		case <-ctx.Done():
			wait.Stop()
			return attempts, err
		case <-wait.C:
		}
	}
}

// backoffWithJitter returns base*2^attempt capped at max, then moved by a
// random amount within a quarter of itself in either direction.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	if q := d / 4; q > 0 {
		d += time.Duration(rand.Int64N(int64(2*q))) - q
	}
	return d
}
