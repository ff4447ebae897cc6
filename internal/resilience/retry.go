package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes the retry schedule for one role's provider calls: a
// uniform-random initial delay drawn from [Min, Max], doubling on each
// subsequent failure, bounded by Cap.
type Policy struct {
	Min time.Duration
	Max time.Duration
	Cap time.Duration
}

// Backoff builds the exponential backoff implementing the policy. The first
// interval is randomized across [Min, Max]; each following interval doubles.
func (p Policy) Backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	mid := (p.Min + p.Max) / 2
	if mid <= 0 {
		mid = time.Second
	}
	b.InitialInterval = mid
	if p.Max > p.Min && mid > 0 {
		b.RandomizationFactor = float64(p.Max-p.Min) / float64(p.Max+p.Min)
	} else {
		b.RandomizationFactor = 0
	}
	b.Multiplier = 2
	limit := p.Cap
	if limit <= 0 {
		limit = 4 * p.Max
	}
	if limit <= 0 {
		limit = 4 * time.Second
	}
	b.MaxInterval = limit
	b.Reset()
	return b
}

// Delay returns one uniform-random delay from [Min, Max], used to smooth
// provider call bursts before a first attempt.
func (p Policy) Delay() time.Duration {
	b := p.Backoff()
	d := b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return p.Min
	}
	return d
}

// Retry runs fn up to attempts times, sleeping per the backoff schedule
// between failures. It returns nil on the first success, the last error once
// attempts are exhausted, and ctx.Err() if the context ends while waiting.
// The shouldRetry hook can stop early for permanent errors; pass nil to
// retry everything.
func Retry(ctx context.Context, attempts int, b backoff.BackOff, shouldRetry func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b.Reset()

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}
