package integration

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAcquire(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(RateLimits{PerMinute: 3, PerHour: 100})
	limiter.now = func() time.Time { return now }

	t.Run("accepts exactly N within the window", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := limiter.Acquire("test"); err != nil {
				t.Fatalf("acquire %d failed: %v", i+1, err)
			}
		}

		err := limiter.Acquire("test")
		if err == nil {
			t.Fatal("expected 4th acquire to be rejected")
		}
		var ie *Error
		if !errors.As(err, &ie) || ie.Kind != KindRateLimit {
			t.Fatalf("expected rate limit error, got %v", err)
		}
	})

	t.Run("capacity returns after the window elapses", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		if err := limiter.Acquire("test"); err != nil {
			t.Fatalf("acquire after window failed: %v", err)
		}
	})
}

func TestRateLimiterHourWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(RateLimits{PerMinute: 10, PerHour: 2})
	limiter.now = func() time.Time { return now }

	if err := limiter.Acquire("test"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := limiter.Acquire("test"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Minute window has room but the hour window is full.
	now = now.Add(2 * time.Minute)
	if err := limiter.Acquire("test"); !IsKind(err, KindRateLimit) {
		t.Fatalf("expected hour-window rejection, got %v", err)
	}

	now = now.Add(time.Hour)
	if err := limiter.Acquire("test"); err != nil {
		t.Fatalf("acquire after hour window failed: %v", err)
	}
}
