package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy wraps remote calls with bounded exponential backoff. Retryable
// decides which failures may be re-issued; everything else short-circuits as
// permanent. Context cancellation aborts between attempts.
type RetryPolicy struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	Multiplier   float64
	Retryable    func(error) bool
}

// NewRetryPolicy builds the default policy: 3 attempts, 0.5s initial delay,
// doubling each time.
func NewRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		Retryable:    retryable,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	maxRetries := uint64(0)
	if p.MaxAttempts > 0 {
		maxRetries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

func (p RetryPolicy) wrap(op func() error) func() error {
	return func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

// Do runs op with the policy applied.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(p.wrap(op), p.backoff(ctx))
}

// RetryValue runs op with the policy applied and returns its result.
func RetryValue[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		var zero T
		v, err := op()
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}, p.backoff(ctx))
}
