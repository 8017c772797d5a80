package integration

import (
	"context"
	"time"
)

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential" // base * 2^attempt
	BackoffLinear      BackoffStrategy = "linear"      // base * (attempt+1)
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

// RetryHandler wraps a single outbound operation with bounded retries.
// Validation and authentication errors are never retried; they indicate a
// caller bug or an expired session, not transient failure. All other
// errors are retried until exhausted, after which the last error
// propagates to the caller unchanged.
type RetryHandler struct {
	maxRetries int
	baseDelay  time.Duration
	strategy   BackoffStrategy
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler creates a retry handler. maxRetries <= 0 selects the
// default of 3; baseDelay <= 0 selects one second.
func NewRetryHandler(maxRetries int, baseDelay time.Duration, strategy BackoffStrategy) *RetryHandler {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if strategy == "" {
		strategy = BackoffExponential
	}
	return &RetryHandler{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		strategy:   strategy,
		sleep:      sleepContext,
	}
}

// Do invokes op, retrying retryable failures up to the configured count.
func (r *RetryHandler) Do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.delay(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (r *RetryHandler) delay(attempt int) time.Duration {
	switch r.strategy {
	case BackoffLinear:
		return r.baseDelay * time.Duration(attempt+1)
	default:
		return r.baseDelay * (1 << attempt)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
