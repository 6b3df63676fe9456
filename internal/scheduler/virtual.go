package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Epoch is the instant a Virtual clock starts at.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Virtual is a deterministic clock. Nothing runs until Advance or Flush is
// called; due work then runs on the calling goroutine ordered by due time and,
// for equal due times, by scheduling order.
//
// Queue.Async on a Virtual queue schedules work at the current instant, so it
// never runs inline with the caller.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending eventHeap
	closed  bool
}

// NewVirtual returns a Virtual clock positioned at Epoch.
func NewVirtual() *Virtual {
	return &Virtual{now: Epoch}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Elapsed returns the virtual time passed since Epoch.
func (v *Virtual) Elapsed() time.Duration {
	return v.Now().Sub(Epoch)
}

func (v *Virtual) NewQueue(name string) Queue {
	return &virtualQueue{name: name, clock: v}
}

func (v *Virtual) After(q Queue, d time.Duration, fn func()) *Timer {
	t := &Timer{}
	v.schedule(d, 0, t, fn)
	return t
}

func (v *Virtual) Every(q Queue, delay, interval time.Duration, fn func()) *Timer {
	t := &Timer{}
	v.schedule(delay, interval, t, fn)
	return t
}

func (v *Virtual) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.pending = nil
}

// Pending returns the number of scheduled, not yet fired, events. Stopped
// timers are counted until their due time passes.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Advance moves the clock forward by d, running everything that becomes due,
// including work scheduled by work that runs during the advance.
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}

	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if len(v.pending) == 0 || v.pending[0].due.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		ev := heap.Pop(&v.pending).(*event)
		if ev.due.After(v.now) {
			v.now = ev.due
		}
		v.mu.Unlock()

		v.fire(ev)
	}
}

// Flush runs everything due at the current instant.
func (v *Virtual) Flush() {
	v.Advance(0)
}

// AdvanceUntilIdle runs every pending one-shot event, jumping the clock as
// needed, but never past limit. Repeating timers keep it busy until limit.
func (v *Virtual) AdvanceUntilIdle(limit time.Duration) {
	v.mu.Lock()
	deadline := v.now.Add(limit)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if len(v.pending) == 0 || v.pending[0].due.After(deadline) {
			v.mu.Unlock()
			return
		}
		next := v.pending[0].due.Sub(v.now)
		v.mu.Unlock()
		v.Advance(next)
	}
}

func (v *Virtual) schedule(delay, interval time.Duration, t *Timer, fn func()) {
	if delay < 0 {
		delay = 0
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.push(v.now.Add(delay), interval, t, fn)
}

func (v *Virtual) push(due time.Time, interval time.Duration, t *Timer, fn func()) {
	v.seq++
	heap.Push(&v.pending, &event{due: due, seq: v.seq, interval: interval, timer: t, fn: fn})
}

func (v *Virtual) fire(ev *event) {
	if ev.timer != nil && ev.timer.Stopped() {
		return
	}

	ev.fn()

	if ev.interval <= 0 || ev.timer == nil || ev.timer.Stopped() {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.push(ev.due.Add(ev.interval), ev.interval, ev.timer, ev.fn)
	}
}

type virtualQueue struct {
	name   string
	clock  *Virtual
	closed atomic.Bool
}

func (q *virtualQueue) Name() string { return q.name }

func (q *virtualQueue) Async(fn func()) {
	if q.closed.Load() {
		return
	}
	q.clock.schedule(0, 0, nil, fn)
}

func (q *virtualQueue) Close() { q.closed.Store(true) }

// ----------------------------
// Event heap
// ----------------------------

type event struct {
	due      time.Time
	seq      uint64
	interval time.Duration
	timer    *Timer
	fn       func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}
