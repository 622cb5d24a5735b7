package state

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"healthsim/pkg/domain"
)

// Retry policy for backend I/O: up to three attempts with exponential
// backoff. Only transient failures are retried; validation, migration,
// constraint, and not-found results surface immediately.
const (
	retryMaxAttempts     = 3
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
)

func withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, wrapped)
}
