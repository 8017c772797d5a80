package integration

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRetryHandler(maxRetries int, strategy BackoffStrategy) (*RetryHandler, *[]time.Duration) {
	delays := &[]time.Duration{}
	handler := NewRetryHandler(maxRetries, 100*time.Millisecond, strategy)
	handler.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return handler, delays
}

func TestRetryHandlerValidationNotRetried(t *testing.T) {
	handler, _ := newTestRetryHandler(3, BackoffExponential)

	calls := 0
	err := handler.Do(context.Background(), func() error {
		calls++
		return ValidationError("test", "bad input")
	})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRetryHandlerAuthenticationNotRetried(t *testing.T) {
	handler, _ := newTestRetryHandler(3, BackoffExponential)

	calls := 0
	err := handler.Do(context.Background(), func() error {
		calls++
		return AuthenticationError("test", "expired", nil)
	})

	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestRetryHandlerTransientRetried(t *testing.T) {
	handler, delays := newTestRetryHandler(3, BackoffExponential)

	calls := 0
	err := handler.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NetworkError("test", errors.New("connection reset"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(*delays))
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}
}

func TestRetryHandlerExhaustionPropagatesLastError(t *testing.T) {
	handler, _ := newTestRetryHandler(2, BackoffLinear)

	lastErr := NetworkError("test", errors.New("still down"))
	calls := 0
	err := handler.Do(context.Background(), func() error {
		calls++
		return lastErr
	})

	if calls != 3 { // initial attempt + 2 retries
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected last error to propagate unchanged, got %v", err)
	}
}

func TestRetryHandlerLinearBackoff(t *testing.T) {
	handler, delays := newTestRetryHandler(3, BackoffLinear)

	attempt := 0
	_ = handler.Do(context.Background(), func() error {
		attempt++
		if attempt <= 3 {
			return APIError("test", "flaky", nil)
		}
		return nil
	})

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(*delays))
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}
}

func TestRetryHandlerContextCancelled(t *testing.T) {
	handler := NewRetryHandler(3, time.Hour, BackoffExponential)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := handler.Do(ctx, func() error {
		return NetworkError("test", errors.New("down"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
