// Package retry holds the backoff policy shared by connector runs and ticket
// dispatch.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/teranos/leakhunter/errors"
)

// Policy is an exponential backoff with a cap and additive jitter.
//
// Delay(n) is never below min(MaxDelay, BaseDelay*2^(n-1)): jitter only adds,
// and the result is still capped at MaxDelay.
type Policy struct {
	MaxAttempts int           // total attempts including the first; < 1 means 1
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // 0 = uncapped
	Jitter      float64       // up to this fraction of the delay is added, 0..1

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns how long to wait after the n-th consecutive failure (n >= 1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(float64(d) * p.Jitter * r())
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. It returns the number of attempts made and the last error.
// A nil retryable treats every error as retryable.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, retryable func(error) bool) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	max := p.Attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt - 1, err
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt, err
		}
		if attempt == max {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, errors.WithSecondaryError(err, serr)
		}
	}
	return max, errors.Wrapf(err, "giving up after %d attempts", max)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
