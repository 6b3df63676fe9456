package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blesim/internal/groutine"
)

// MaxCollectorSize bounds the collector buffer.
const MaxCollectorSize uint32 = 1 << 20

// CollectorStats counts collected records.
type CollectorStats struct {
	Collected   int64
	Overwritten int64
	Errors      int64
}

// OutputCollector drains an engine's output into an overlapped ring buffer so
// the most recent lines can be read back after a run.
type OutputCollector struct {
	source <-chan OutputRecord
	buffer mpmc.RichOverlappedRingBuffer[OutputRecord]

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	collected   atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// NewOutputCollector creates a collector keeping the last size records.
func NewOutputCollector(source <-chan OutputRecord, size uint32) (*OutputCollector, error) {
	if source == nil {
		return nil, errors.New("output source cannot be nil")
	}
	if size == 0 || size > MaxCollectorSize {
		return nil, fmt.Errorf("collector size must be within [1, %d], got %d", MaxCollectorSize, size)
	}
	return &OutputCollector{
		source: source,
		buffer: mpmc.NewOverlappedRingBuffer[OutputRecord](size),
	}, nil
}

// Start begins draining in the background.
func (c *OutputCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("collector is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	done := c.done

	groutine.Go(ctx, "lua-output-collector", func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				c.store(rec)
			}
		}
	})
	return nil
}

func (c *OutputCollector) store(rec OutputRecord) {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.errors.Add(1)
		return
	}
	c.overwritten.Add(int64(overwrites))
	c.collected.Add(1)
}

// Stop ends draining and waits for the background worker.
func (c *OutputCollector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// Flush moves records already waiting in the source into the buffer.
func (c *OutputCollector) Flush() {
	for {
		select {
		case rec, ok := <-c.source:
			if !ok {
				return
			}
			c.store(rec)
		default:
			return
		}
	}
}

// Drain removes and returns every buffered record, oldest first.
func (c *OutputCollector) Drain() []OutputRecord {
	var out []OutputRecord
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			c.errors.Add(1)
			break
		}
		out = append(out, rec)
	}
	return out
}

// Text drains the buffer and joins stdout content.
func (c *OutputCollector) Text() string {
	var b strings.Builder
	for _, rec := range c.Drain() {
		if rec.Source == "stdout" {
			b.WriteString(rec.Content)
		}
	}
	return b.String()
}

func (c *OutputCollector) Stats() CollectorStats {
	return CollectorStats{
		Collected:   c.collected.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.errors.Load(),
	}
}
