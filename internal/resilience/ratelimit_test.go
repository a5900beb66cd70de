package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_AdmitsUpToCapacity(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		d := l.TryAcquire()
		require.True(t, d.Allowed, "admission %d", i+1)
		assert.Zero(t, d.RetryAfter)
	}

	clock.Advance(20 * time.Second)
	d := l.TryAcquire()
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)
	assert.Equal(t, 0, l.Remaining())
}

func TestLimiter_DenialDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(1, time.Minute, clock.Now)

	require.True(t, l.TryAcquire().Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.TryAcquire().Allowed)
	}

	clock.Advance(time.Minute)
	assert.True(t, l.TryAcquire().Allowed)
	assert.False(t, l.TryAcquire().Allowed)
}

func TestLimiter_WindowReset(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(2, 10*time.Second, clock.Now)

	require.True(t, l.TryAcquire().Allowed)
	require.True(t, l.TryAcquire().Allowed)
	require.False(t, l.TryAcquire().Allowed)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, l.Remaining())
	assert.True(t, l.TryAcquire().Allowed)
	assert.Equal(t, 1, l.Remaining())
}

func TestLimiter_RetryAfterAlwaysPositive(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(0, time.Second, clock.Now)

	d := l.TryAcquire()
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiter_ConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	const capacity = 50
	l := NewLimiter(capacity, time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire().Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(capacity), admitted.Load())
}
