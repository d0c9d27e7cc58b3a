package executor

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff:
// delay(n) = min(InitialDelay × Multiplier^n, MaxDelay) ± JitterFactor.
type RetryConfig struct {
	MaxAttempts  int // including the first; values < 1 mean 1
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1

	// RetryIf reports whether err is worth another attempt. Nil retries
	// everything except Permanent errors and context cancellation.
	RetryIf func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig suits price fetches and protective order calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

// CloseRetryConfig is more persistent; closing a position is the critical path.
func CloseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	c.JitterFactor = math.Min(math.Max(c.JitterFactor, 0), 1)
}

// Delay returns the wait before retry number attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Budget returns the longest Retry can run when each attempt is bounded by
// callTimeout: every attempt plus every wait at its jittered maximum.
func (c RetryConfig) Budget(callTimeout time.Duration) time.Duration {
	c.normalize()
	total := time.Duration(c.MaxAttempts) * callTimeout
	for attempt := 0; attempt < c.MaxAttempts-1; attempt++ {
		d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
		if d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
		total += time.Duration(d * (1 + c.JitterFactor))
	}
	return total
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func retryable(cfg RetryConfig, err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg.normalize()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(cfg, lastErr) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
