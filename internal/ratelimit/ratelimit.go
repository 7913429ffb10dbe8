// Package ratelimit implements fixed-key sliding windows for the two
// abuse-prone operations: login attempts and Wake-on-LAN triggers. Windows
// are keyed by the apparent source address and live purely in memory.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// record tracks attempts from one source inside the current window.
type record struct {
	count   int
	firstAt time.Time
}

// Limiter counts events per source inside a rolling window. Once the limit
// is reached, further events are refused until the window expires.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string]*record
}

// New creates a limiter allowing at most limit events per source per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		records: make(map[string]*record),
	}
}

// TryAcquire consumes one slot for src. When the source is over its limit it
// returns false together with the time remaining until the window resets.
func (l *Limiter) TryAcquire(src string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec := l.records[src]
	if rec == nil || now.After(rec.firstAt.Add(l.window)) {
		l.records[src] = &record{count: 1, firstAt: now}
		return true, 0
	}

	if rec.count >= l.limit {
		return false, time.Until(rec.firstAt.Add(l.window))
	}
	rec.count++
	return true, 0
}

// Blocked reports whether src has exhausted its window without consuming a
// slot. Used by the login path, which counts failures rather than attempts.
func (l *Limiter) Blocked(src string) (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[src]
	if rec == nil || time.Now().After(rec.firstAt.Add(l.window)) {
		return false, 0
	}
	if rec.count >= l.limit {
		return true, time.Until(rec.firstAt.Add(l.window))
	}
	return false, 0
}

// Fail records one failed attempt for src and returns the failure count in
// the current window. The login handler locks the source out once the count
// reaches the limit.
func (l *Limiter) Fail(src string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rec := l.records[src]
	if rec == nil || now.After(rec.firstAt.Add(l.window)) {
		l.records[src] = &record{count: 1, firstAt: now}
		return 1
	}
	rec.count++
	return rec.count
}

// Reset clears the window for src. Called on successful login.
func (l *Limiter) Reset(src string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, src)
}

// Cleanup drops expired windows. Intended to run periodically so the map
// does not accumulate one entry per source forever.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for src, rec := range l.records {
		if now.After(rec.firstAt.Add(l.window)) {
			delete(l.records, src)
		}
	}
}

// RetryHint renders a human-readable wait suggestion for a refused request.
func RetryHint(retryAfter time.Duration) string {
	if retryAfter < time.Minute {
		secs := int(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return fmt.Sprintf("Too many attempts. Try again in %d seconds.", secs)
	}
	mins := int(retryAfter.Minutes())
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("Too many attempts. Try again in %d minutes.", mins)
}
