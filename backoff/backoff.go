// Package backoff provides the retry policy shared by the fetcher, the
// geocoder and the job engine's per-URL retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay added randomly, 0..1
}

// Default matches the fetch contract: 3 attempts, base 1s, factor 2, jitter.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Factor:      2,
	Jitter:      0.2,
}

// Delay returns the sleep before the given retry. attempt is 1-based: the
// delay after the first failure is Delay(1) == BaseDelay (plus jitter).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps an error so Retry stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Retry runs fn up to MaxAttempts times, sleeping Delay between attempts.
// It returns nil on the first success, the unwrapped error on a Permanent
// failure, and the last error once attempts are exhausted.
func (p Policy) Retry(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
