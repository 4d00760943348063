package r2osync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// fakeClock only moves on Advance.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

func (f *fakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func TestSlidingWindowLimiter_61stCallWaitsForWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	limiter := NewSlidingWindowLimiter(60, 60*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	assert.Equal(t, 60, limiter.InFlight())

	dispatched := make(chan time.Time, 1)
	errs := make(chan error, 1)
	go func() {
		if err := limiter.Wait(ctx); err != nil {
			errs <- err
			return
		}
		dispatched <- clock.Now()
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)

	clock.Advance(59 * time.Second)
	select {
	case <-dispatched:
		t.Fatal("61st call dispatched inside the window")
	case err := <-errs:
		t.Fatalf("limiter returned error: %v", err)
	default:
	}

	clock.Advance(time.Second)
	select {
	case at := <-dispatched:
		assert.False(t, at.Before(start.Add(60*time.Second)))
	case err := <-errs:
		t.Fatalf("limiter returned error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("61st call never dispatched")
	}
}

func TestSlidingWindowLimiter_CancelledWaitReturnsCtxErr(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	limiter := NewSlidingWindowLimiter(1, time.Minute, clock)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- limiter.Wait(ctx) }()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled wait did not return")
	}
	assert.Equal(t, 1, limiter.InFlight())
}

func TestSlidingWindowLimiter_SlotsFreeAsWindowSlides(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	limiter := NewSlidingWindowLimiter(3, 10*time.Second, clock)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx))
	clock.Advance(4 * time.Second)
	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))
	assert.Equal(t, 3, limiter.InFlight())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 2, limiter.InFlight())
	require.NoError(t, limiter.Wait(ctx))
	assert.Equal(t, 0, clock.Waiters())
}
