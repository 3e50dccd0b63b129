package load

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// retrier runs record-level operations with exponential backoff. Retries
// happen per record, not per batch, so one bad record cannot abort an
// otherwise successful load.
type retrier struct {
	attempts int
	base     time.Duration
}

func newRetrier(attempts int, base time.Duration) *retrier {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return &retrier{attempts: attempts, base: base}
}

// do runs fn up to attempts times. The last error is returned after the
// final attempt; context cancellation cuts the retry loop short.
func (r *retrier) do(ctx context.Context, desc string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.attempts-1 {
			break
		}
		delay := backoffDelay(r.base, attempt)
		log.Debug("load: retrying record", "record", desc, "attempt", attempt+1, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
