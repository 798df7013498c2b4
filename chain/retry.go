package chain

import (
	"context"
	"time"

	"arcaded/faults"
)

// RetryPolicy retries transient-classified failures with bounded exponential
// backoff. Non-transient errors surface immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits interactive request paths: short, bounded.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do invokes fn, retrying while it fails with a transient kind. The last
// error is returned once attempts are exhausted or the context ends.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return faults.Wrap(faults.KindTransientRPC, "retry cancelled", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !faults.IsTransient(err) {
			return err
		}
	}
	return err
}
