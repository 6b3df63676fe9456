package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/groutine"
)

// Realtime schedules against the wall clock. Each queue owns a worker
// goroutine that drains submitted work in order.
type Realtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger
}

// NewRealtime creates a wall-clock scheduler. Close stops every queue worker.
func NewRealtime(logger *logrus.Logger) *Realtime {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Realtime{ctx: ctx, cancel: cancel, logger: logger}
}

func (r *Realtime) Now() time.Time { return time.Now() }

func (r *Realtime) NewQueue(name string) Queue {
	ctx, cancel := context.WithCancel(r.ctx)
	q := &serialQueue{name: name, signal: make(chan struct{}, 1), logger: r.logger, cancel: cancel}
	groutine.Go(ctx, "queue-"+name, q.run)
	return q
}

func (r *Realtime) After(q Queue, d time.Duration, fn func()) *Timer {
	t := &Timer{}
	at := time.AfterFunc(d, func() {
		if t.Stopped() {
			return
		}
		q.Async(func() {
			if !t.Stopped() {
				fn()
			}
		})
	})
	if !t.setCancel(func() { at.Stop() }) {
		at.Stop()
	}
	return t
}

func (r *Realtime) Every(q Queue, delay, interval time.Duration, fn func()) *Timer {
	t := &Timer{}
	var tick func()
	tick = func() {
		if t.Stopped() || r.ctx.Err() != nil {
			return
		}
		q.Async(func() {
			if !t.Stopped() {
				fn()
			}
		})
		if interval <= 0 {
			return
		}
		next := time.AfterFunc(interval, tick)
		if !t.setCancel(func() { next.Stop() }) {
			next.Stop()
		}
	}

	first := time.AfterFunc(delay, tick)
	if !t.setCancel(func() { first.Stop() }) {
		first.Stop()
	}
	return t
}

func (r *Realtime) Close() {
	r.cancel()
}

// ----------------------------
// Serial queue
// ----------------------------

type serialQueue struct {
	name   string
	logger *logrus.Logger
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.Mutex
	pending []func()
	signal  chan struct{}
}

func (q *serialQueue) Name() string { return q.name }

func (q *serialQueue) Async(fn func()) {
	if q.closed.Load() {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *serialQueue) Close() {
	if !q.closed.Swap(true) {
		q.cancel()
	}
}

func (q *serialQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.logger.WithField("queue", q.name).Debug("Queue worker stopped")
			return
		case <-q.signal:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 || ctx.Err() != nil {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
