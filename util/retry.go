package util

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is a bounded exponential retry schedule.
type Backoff struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used when a zero Backoff is given.
var DefaultBackoff = Backoff{
	Attempts: 4,
	Base:     200 * time.Millisecond,
	Max:      5 * time.Second,
}

// policy is the doubling, unjittered schedule b describes. A zero Max
// leaves it unbounded.
func (b Backoff) policy() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = b.Max
	if b.Max <= 0 {
		eb.MaxInterval = time.Duration(math.MaxInt64)
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delay is the wait before retry number attempt, counting from one.
func (b Backoff) Delay(attempt int) time.Duration {
	eb := b.policy()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Retry calls fn until it returns nil or a Permanent error, the attempts
// run out, or ctx is done. The last error is returned, unwrapped from
// Permanent.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	if b.Attempts <= 0 {
		b = DefaultBackoff
	}

	var last error
	op := func() error {
		last = fn(ctx)
		return last
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(b.policy(), uint64(b.Attempts-1)), ctx)

	err := backoff.Retry(op, policy)
	if err == nil || last == nil || ctx.Err() == nil {
		return err
	}

	// Cancelled between calls: report what the callee said, not ctx.
	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	return last
}
