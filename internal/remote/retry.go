package remote

import (
	"context"
	"time"
)

// RetryPolicy bounds the immediate in-call retry loop for transient
// failures. This layer is deliberately separate from the durable retry
// queue: it absorbs short blips within one call, while anything that
// outlives it is handed to the queue with its own retry counter.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the delay before the second attempt; subsequent
	// delays double.
	BaseDelay time.Duration

	// Sleep is injectable for tests. Nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy absorbs short transient blips without holding the
// caller for more than roughly a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Do runs fn, retrying on retryable classifications up to the policy's
// attempt budget. Permanent failures return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return err
			}
			delay *= 2
		}
		err = fn()
		if err == nil {
			return nil
		}
		if KindOf(err).Permanent() {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
