package resilience

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds exponential backoff for transient failures.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy makes three attempts starting at 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. retryable selects which errors are worth another attempt.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(context.Context) error) error {
	if policy.Attempts <= 1 {
		return fn(ctx)
	}
	if policy.Base <= 0 {
		policy.Base = DefaultRetryPolicy.Base
	}
	backoff := retry.NewExponential(policy.Base)
	if policy.Max > 0 {
		backoff = retry.WithCappedDuration(policy.Max, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(policy.Attempts-1), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
