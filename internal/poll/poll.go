// Package poll provides the bounded wait primitive shared by the login,
// QR-scan, manual-recovery, and stall-detection loops.
package poll

import (
	"context"
	"time"
)

// Condition is evaluated once per interval. Returning (true, nil) ends the
// poll successfully. An error aborts the poll immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond every interval until it succeeds, errors, the timeout
// elapses, or ctx is canceled. It reports whether the condition was met. The
// condition is checked once immediately before the first sleep.
func Until(ctx context.Context, cond Condition, interval, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		ok, err := cond(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}
