// Package ratelimit provides an in-memory fixed-window limiter.
package ratelimit

import (
	"sync"
	"time"
)

type entry struct {
	count    int
	windowAt time.Time
}

// Limiter counts hits per key within fixed windows.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock returns a limiter that reads the time from now.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		now:     now,
	}
}

// Allow returns true if the key has not exceeded limit in the given window.
// The window opens on the first hit.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	return l.AllowUntil(key, limit, l.now().Add(window))
}

// AllowUntil is Allow with an explicit window end, for windows aligned to a
// calendar boundary.
func (l *Limiter) AllowUntil(key string, limit int, windowEnd time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.windowAt) {
		l.entries[key] = &entry{count: 1, windowAt: windowEnd}
		return limit > 0
	}
	e.count++
	return e.count <= limit
}

// Remaining reports how many hits key has left in its current window.
func (l *Limiter) Remaining(key string, limit int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !l.now().Before(e.windowAt) {
		return limit
	}
	return max(limit-e.count, 0)
}

// ResetAt reports when key's current window closes. ok is false when key
// has no open window.
func (l *Limiter) ResetAt(key string) (at time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, found := l.entries[key]
	if !found || !l.now().Before(e.windowAt) {
		return time.Time{}, false
	}
	return e.windowAt, true
}

// Cleanup removes expired entries.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.entries {
		if !now.Before(e.windowAt) {
			delete(l.entries, key)
		}
	}
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
