package bbs

import (
	"sync"
	"time"
)

// RateLimiter admits at most max connections per origin within a sliding
// window. Only admitted attempts are recorded.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

func (l *RateLimiter) Allow(origin string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.recent(origin, now)
	if len(recent) >= l.max {
		l.hits[origin] = recent
		return false
	}

	l.hits[origin] = append(recent, now)
	return true
}

// recent drops timestamps that fell out of the window. Callers hold l.mu.
func (l *RateLimiter) recent(origin string, now time.Time) []time.Time {
	stamps := l.hits[origin]
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

// Prune forgets origins with no attempts inside the window.
func (l *RateLimiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for origin := range l.hits {
		if recent := l.recent(origin, now); len(recent) == 0 {
			delete(l.hits, origin)
		} else {
			l.hits[origin] = recent
		}
	}
}

// Tracked returns the number of origins currently remembered.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
