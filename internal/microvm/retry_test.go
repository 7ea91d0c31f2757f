package microvm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollSucceedsWhenConditionHolds(t *testing.T) {
	t.Parallel()

	calls := 0
	err := poll(context.Background(), 3, time.Millisecond, func() (bool, error) {
		calls++
		return calls == 2, nil
	})
	if err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("poll() made %d calls, want 2", calls)
	}
}

func TestPollExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	err := poll(context.Background(), 3, time.Millisecond, func() (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("poll() error = %v, want ErrRetriesExhausted", err)
	}
	if calls != 3 {
		t.Fatalf("poll() made %d calls, want 3", calls)
	}
}

func TestPollAbortsOnError(t *testing.T) {
	t.Parallel()

	fatal := errors.New("process died")
	calls := 0
	err := poll(context.Background(), 5, time.Millisecond, func() (bool, error) {
		calls++
		return false, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("poll() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("poll() made %d calls after a fatal error, want 1", calls)
	}
}

func TestPollHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := poll(ctx, 3, time.Minute, func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("poll() error = %v, want context.Canceled", err)
	}
}
