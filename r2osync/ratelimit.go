package r2osync

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/metrics"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// SlidingWindowLimiter allows at most limit dispatches in any window-long span.
// One instance is shared by every tenant because ready2order budgets per
// developer credential.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  Clock
	stamps []time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration, clock Clock) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if clock == nil {
		clock = SystemClock
	}
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		stamps: make([]time.Time, 0, limit),
	}
}

// Wait blocks the caller until a slot is free and records the dispatch.
// It only fails when ctx is done.
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	start := l.clock.Now()
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.evict(now)
		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			metrics.RateLimitWait.Observe(now.Sub(start).Seconds())
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// InFlight is the number of dispatches still inside the window.
func (l *SlidingWindowLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.clock.Now())
	return len(l.stamps)
}

func (l *SlidingWindowLimiter) evict(now time.Time) {
	i := 0
	for i < len(l.stamps) && now.Sub(l.stamps[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
