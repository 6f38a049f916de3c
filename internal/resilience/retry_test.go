package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestRetry_SucceedsOnLastAttempt(t *testing.T) {
	rs := &recordingSleep{}
	p := RetryPolicy{Retries: 2, Delay: time.Second, Sleep: rs.sleep}

	attempts := 0
	var retried []int
	err := Retry(context.Background(), p, func(_ context.Context, attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return errTest
		}
		return nil
	}, func(attempt int, _ error) { retried = append(retried, attempt) })

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(rs.delays) != 2 || rs.delays[0] != time.Second {
		t.Errorf("delays = %v, want two 1s delays", rs.delays)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("onRetry attempts = %v, want [1 2]", retried)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	rs := &recordingSleep{}
	p := RetryPolicy{Retries: 2, Delay: time.Second, Sleep: rs.sleep}

	calls := 0
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return errTest
	}, nil)

	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(rs.delays) != 2 {
		t.Errorf("delays = %d, want exactly 2", len(rs.delays))
	}
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Retries: 5, Delay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errTest
	}, nil)
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v, want Canceled", err)
	}
}
