package microvm

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted reports that a poll's attempt budget ran out without
// the condition becoming true.
var ErrRetriesExhausted = errors.New("retries exhausted")

// poll invokes check up to attempts times, sleeping interval between tries.
// check returns (true, nil) when the awaited condition holds, (false, nil)
// to keep waiting, or a non-nil error to abort immediately. Cancellation of
// ctx aborts between attempts.
func poll(ctx context.Context, attempts int, interval time.Duration, check func() (bool, error)) error {
	for attempt := 0; attempt < attempts; attempt++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return ErrRetriesExhausted
}
