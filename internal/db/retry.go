package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryAttempts bounds transient persistence retries.
const DefaultRetryAttempts = 3

// Retry runs op, retrying with exponential backoff while it fails with an error that
// isPermanent does not recognise. Context errors are never retried. The last error is returned.
func Retry[T any](ctx context.Context, attempts uint, isPermanent func(error) bool, op func() (T, error)) (T, error) {
	if attempts == 0 {
		attempts = DefaultRetryAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			(isPermanent != nil && isPermanent(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
