// Package retry runs operations against external collaborators with bounded
// exponential backoff and jitter.
//
// Only transport failures are retried. A mutation is retried only when the
// failure happened before the request left the process; an ambiguous
// in-flight failure is returned as is.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/atelier/internal/errclass"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is 3 attempts between 200ms and 2s.
var DefaultPolicy = Policy{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// NoRetry runs the operation exactly once.
var NoRetry = Policy{MaxAttempts: 1}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do calls op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, mutation bool, op func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	n := 0
	return backoff.Retry(ctx, func() (T, error) {
		n++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errclass.Retryable(err, mutation) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying after transport failure",
				"attempt", n,
				"next", next,
				"mutation", mutation,
				"error", err)
		}),
	)
}
