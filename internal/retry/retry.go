// Package retry wraps transient store operations with a single retry.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delay is the pause before the retry attempt.
var Delay = 10 * time.Millisecond

// Once runs fn and, if it fails, runs it one more time after Delay. A
// cancelled ctx stops the retry.
func Once(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(Delay), 1), ctx)
	return backoff.Retry(fn, b)
}
