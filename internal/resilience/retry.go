package resilience

import (
	"context"
	"time"
)

// RetryPolicy bounds [Retry]. Retries is the number of attempts after the
// first one; Delay is the fixed wait between attempts.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer; tests
	// substitute a fake to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retry calls fn until it succeeds, ctx is done, or the policy's retries are
// used up. onRetry, if non-nil, is called before each wait with the attempt
// that just failed (1-based). The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt > p.Retries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
