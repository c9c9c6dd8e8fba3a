package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")
var errPermanent = errors.New("status 404")

func TestRetryLinearBackoff(t *testing.T) {
	var calls int
	var delays []time.Duration
	err := Retry(context.Background(), "fetch", RetryConfig{
		MaxAttempts: 5,
		Backoff:     LinearBackoff(time.Millisecond),
		OnRetry: func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		},
	}, func() error {
		calls++
		if calls < 5 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	for i, d := range delays {
		if want := time.Duration(i+1) * time.Millisecond; d != want {
			t.Errorf("delay[%d] = %v, want %v", i, d, want)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	var calls int
	err := Retry(context.Background(), "fetch", RetryConfig{
		MaxAttempts: 5,
		Backoff:     LinearBackoff(time.Millisecond),
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}, func() error {
		calls++
		return errPermanent
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err != errPermanent {
		t.Errorf("err = %v, want the unwrapped permanent error", err)
	}
}

func TestRetryExhausted(t *testing.T) {
	err := Retry(context.Background(), "fetch", RetryConfig{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Microsecond),
	}, func() error { return errTransient })
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want wrapped transient error", err)
	}
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("tmdb", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		IsFailure:        func(err error) bool { return errors.Is(err, errTransient) },
	})
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errPermanent })
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.GetState())
	}
	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errTransient })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}
	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state after reset = %v", cb.GetState())
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "health", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestPollUntil(t *testing.T) {
	var probes atomic.Int32
	ok := PollUntil(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) bool {
		return probes.Add(1) >= 3
	})
	if !ok || probes.Load() != 3 {
		t.Errorf("ok = %v probes = %d", ok, probes.Load())
	}

	ok = PollUntil(context.Background(), time.Millisecond, 20*time.Millisecond, func(ctx context.Context) bool {
		return false
	})
	if ok {
		t.Error("expected budget to run out")
	}
}
