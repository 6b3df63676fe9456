// Package scheduler provides the clock every simulated latency is measured
// against. Two implementations exist: Virtual, a manually advanced clock used
// by tests for deterministic ordering, and Realtime, backed by wall-clock
// timers and one goroutine per serial queue.
package scheduler

import (
	"sync"
	"time"
)

// Queue executes submitted work serially, in submission order. Every callback
// a simulated manager emits is delivered through its queue.
type Queue interface {
	Name() string
	Async(fn func())
	// Close releases the queue. Work submitted afterwards is dropped.
	Close()
}

// Scheduler is the simulation clock.
type Scheduler interface {
	// Now returns the current simulated time.
	Now() time.Time
	// NewQueue creates a serial queue bound to this scheduler.
	NewQueue(name string) Queue
	// After runs fn on q once d has elapsed.
	After(q Queue, d time.Duration, fn func()) *Timer
	// Every runs fn on q after delay, then every interval until stopped.
	Every(q Queue, delay, interval time.Duration, fn func()) *Timer
	// Close releases queue workers. Pending timers never fire afterwards.
	Close()
}

// Timer is a handle to scheduled work.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	cancel  func()
}

// Stop prevents any further firing. It reports whether this call stopped the
// timer, false if it was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	t.stopped = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Stopped reports whether Stop was called.
func (t *Timer) Stopped() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// setCancel installs the backend release hook; returns false if the timer is
// already stopped, in which case the caller must release the backend itself.
func (t *Timer) setCancel(cancel func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.cancel = cancel
	return true
}
