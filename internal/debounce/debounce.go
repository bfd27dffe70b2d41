// Package debounce provides a cancellable one-shot timer that fires only
// after a quiet period with no resets.
package debounce

import (
	"sync"
	"time"
)

// Timer invokes a function once the configured duration elapses without a
// Reset. Every Reset pushes the deadline out again, so a steady stream of
// activity keeps the timer from firing. Safe for concurrent use.
type Timer struct {
	mu sync.Mutex
	d  time.Duration
	fn func()
	t  *time.Timer
}

// New creates a timer that calls fn after d of quiet. The timer is inert
// until the first Reset.
func New(d time.Duration, fn func()) *Timer {
	return &Timer{d: d, fn: fn}
}

// Reset (re)arms the timer: the function fires d from now unless Reset is
// called again first.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		t.t = time.AfterFunc(t.d, t.fn)
		return
	}
	t.t.Reset(t.d)
}

// Stop disarms the timer. A fire already in flight is not interrupted.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
}
