package resilience

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the current window resets. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is a fixed-window admission limiter shared by every request in the
// process. At most capacity admissions succeed per window.
//
// Thread Safety: Safe for concurrent use.
type Limiter struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// NewLimiter creates a limiter admitting capacity calls per window.
func NewLimiter(capacity int, window time.Duration) *Limiter {
	return newLimiterWithClock(capacity, window, time.Now)
}

func newLimiterWithClock(capacity int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		capacity:    capacity,
		window:      window,
		now:         now,
		windowStart: now(),
	}
}

// TryAcquire attempts one admission. A denial leaves the state untouched.
func (l *Limiter) TryAcquire() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.capacity {
		retryAfter := l.window - now.Sub(l.windowStart)
		if retryAfter <= 0 {
			retryAfter = time.Nanosecond
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	l.count++
	return Decision{Allowed: true}
}

// Remaining returns how many admissions are left in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.now().Sub(l.windowStart) >= l.window {
		return l.capacity
	}
	return l.capacity - l.count
}
