package email

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SendWithRetry retries transient failures with exponential backoff for at
// most maxElapsed. Permanent failures return at once, and a non-positive
// maxElapsed means a single attempt.
func SendWithRetry(ctx context.Context, t Transport, msg Message, maxElapsed time.Duration) error {
	if maxElapsed <= 0 {
		return t.Send(ctx, msg)
	}

	operation := func() error {
		err := t.Send(ctx, msg)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
