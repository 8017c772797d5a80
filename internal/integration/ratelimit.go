package integration

import (
	"fmt"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimiter is a per-adapter-instance admission check over two sliding
// windows (60s and 3600s) of request timestamps. External services publish
// hard per-minute/per-hour quotas and violating them risks account
// suspension, so admission is checked before every outbound call, not
// after a failure.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	perHour   int
	minute    []time.Time
	hour      []time.Time
	now       func() time.Time
}

// NewRateLimiter creates a limiter for the given quotas. A zero or
// negative quota disables that window.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		perMinute: limits.PerMinute,
		perHour:   limits.PerHour,
		now:       time.Now,
	}
}

// Acquire records one request if both windows have capacity. If either
// window is full it fails immediately with a rate-limit error carrying no
// automatic wait; this is a synchronous admission check, not a queue.
func (l *RateLimiter) Acquire(service string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.minute = prune(l.minute, now.Add(-minuteWindow))
	l.hour = prune(l.hour, now.Add(-hourWindow))

	if l.perMinute > 0 && len(l.minute) >= l.perMinute {
		return RateLimitError(service, fmt.Sprintf("per-minute limit of %d reached", l.perMinute))
	}
	if l.perHour > 0 && len(l.hour) >= l.perHour {
		return RateLimitError(service, fmt.Sprintf("per-hour limit of %d reached", l.perHour))
	}

	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
	return nil
}

// prune drops timestamps at or before the cutoff. Timestamps are appended
// in order, so the slice stays sorted.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
