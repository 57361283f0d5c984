package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HintLimiter throttles hint requests per learner. The key is the user id,
// not the session, so opening new sessions does not reset the budget.
type HintLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	every    rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewHintLimiter allows perMinute hints per user with a burst of the same
// size. A non-positive perMinute returns nil, which allows everything.
func NewHintLimiter(perMinute int) *HintLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &HintLimiter{
		limiters: make(map[string]*limiterEntry),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

// Allow reports whether userID may ask for another hint now.
func (l *HintLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[userID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.every, l.burst)}
		l.limiters[userID] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Evict forgets users idle since cutoff. A forgotten user starts again
// with a full bucket.
func (l *HintLimiter) Evict(cutoff time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Run evicts idle users once a minute until ctx is cancelled.
func (l *HintLimiter) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Evict(l.now().Add(-time.Minute))
		}
	}
}
