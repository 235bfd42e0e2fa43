package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy allows attempts-1 retries after the first run, spaced by a
// randomized exponential delay starting at base and capped at max. It stops
// early once ctx is done.
func retryPolicy(ctx context.Context, base, max time.Duration, attempts int) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	// Bounded by attempts, not wall time.
	b.MaxElapsedTime = 0

	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
