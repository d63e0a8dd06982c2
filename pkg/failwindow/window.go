// Package failwindow counts failures that occur close together in time.
package failwindow

import (
	"sync"
	"time"
)

// Window is a sliding failure counter. A failure recorded more than Length
// after the previous one starts a fresh window. A zero Length never expires,
// which turns the window into a plain consecutive-failure counter.
type Window struct {
	mu      sync.Mutex
	length  time.Duration
	count   int
	started time.Time
	last    time.Time
	now     func() time.Time
}

func New(length time.Duration) *Window {
	return &Window{length: length, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

// Record registers one failure and returns the count within the current window.
func (w *Window) Record() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.count == 0 || (w.length > 0 && now.Sub(w.last) > w.length) {
		w.count = 0
		w.started = now
	}
	w.count++
	w.last = now
	return w.count
}

func (w *Window) Reset() {
	w.mu.Lock()
	w.count = 0
	w.started = time.Time{}
	w.last = time.Time{}
	w.mu.Unlock()
}

// Count returns the current count, treating an expired window as empty.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 && w.length > 0 && w.now().Sub(w.last) > w.length {
		return 0
	}
	return w.count
}

// StartedAt reports when the current window opened; zero if empty.
func (w *Window) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}
