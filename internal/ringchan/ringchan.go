// Package ringchan provides a bounded channel whose producers never block:
// when the buffer is full the oldest element is discarded.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(i)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // 7, 8, 9
//	}
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Channel is a bounded overwrite-oldest channel.
type Channel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
	stats  Stats
}

// Stats counts channel traffic. Reads through C are not counted.
type Stats struct {
	Sent     int64
	Dropped  int64
	Received int64
}

// New creates a channel holding at most capacity elements.
func New[T any](capacity int) *Channel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Channel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (c *Channel[T]) C() <-chan T { return c.ch }

// Send enqueues v, discarding the oldest element when full. It reports
// whether an element was discarded. Sending on a closed channel is a no-op.
func (c *Channel[T]) Send(v T) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	for {
		select {
		case c.ch <- v:
			atomic.AddInt64(&c.stats.Sent, 1)
			return dropped
		default:
		}
		select {
		case <-c.ch:
			atomic.AddInt64(&c.stats.Dropped, 1)
			dropped = true
		default:
		}
	}
}

// TrySend enqueues v only if there is room.
func (c *Channel[T]) TrySend(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- v:
		atomic.AddInt64(&c.stats.Sent, 1)
		return true
	default:
		return false
	}
}

// TryReceive dequeues without blocking.
func (c *Channel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-c.ch:
		if ok {
			atomic.AddInt64(&c.stats.Received, 1)
		}
		return v, ok
	default:
		return v, false
	}
}

func (c *Channel[T]) Len() int { return len(c.ch) }
func (c *Channel[T]) Cap() int { return cap(c.ch) }

// Close closes the receive side once. Buffered elements stay readable.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Stats returns a snapshot of the counters.
func (c *Channel[T]) Stats() Stats {
	return Stats{
		Sent:     atomic.LoadInt64(&c.stats.Sent),
		Dropped:  atomic.LoadInt64(&c.stats.Dropped),
		Received: atomic.LoadInt64(&c.stats.Received),
	}
}
