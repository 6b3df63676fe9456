// Package ptyio exposes a pseudo-terminal whose master side is buffered in
// byte rings. Another process opens the slave path (TTYName) like a serial
// port; the owner of the PTY exchanges bytes with it without ever blocking.
//
//	tty, err := ptyio.Open(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer tty.Close()
//	tty.SetReadCallback(func(b []byte) { forward(b) })
//	tty.Write([]byte("hello\n"))
//
// Writes that do not fit the output ring are truncated and counted in
// Stats().DroppedWriteCount. Input that arrives faster than it is consumed is
// dropped the same way.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blesim/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ReadCallback receives bytes typed into the slave side. It runs on a
// background goroutine and must not retain data.
type ReadCallback func(data []byte)

// ErrorCallback is told once per pump when it stops on an I/O failure.
type ErrorCallback func(err error)

// PTY is a non-blocking pseudo-terminal master. Read returns unix.EAGAIN when
// no input is buffered.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats are the byte counters of a PTY.
type Stats struct {
	WriteQueueLen int
	WriteQueueCap int
	ReadQueueLen  int
	ReadQueueCap  int

	DroppedWriteCount uint64
	DroppedReadCount  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

// Options configures Open. Zero values pick the defaults.
type Options struct {
	// ReadCap and WriteCap size the input and output rings in bytes.
	ReadCap  int
	WriteCap int
	// PollInterval bounds how long a pump sleeps before noticing Close.
	PollInterval time.Duration
	Logger       *logrus.Logger
	OnError      ErrorCallback
}

const (
	DefaultBufferSize   = 1024
	DefaultPollInterval = 50 * time.Millisecond
	chunkSize           = 4096
)

type ringPTY struct {
	logger  *logrus.Entry
	master  *os.File
	slave   *os.File
	fd      int32
	name    string
	poll    int
	onError ErrorCallback

	out *ringbuffer.RingBuffer // owner -> slave
	in  *ringbuffer.RingBuffer // slave -> owner

	readCb   atomic.Pointer[ReadCallback]
	pending  chan struct{}
	outReady chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedOut, droppedIn atomic.Uint64
	bytesOut, bytesIn     atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its pumps.
func Open(opts *Options) (PTY, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	readCap, writeCap := opts.ReadCap, opts.WriteCap
	if readCap <= 0 {
		readCap = DefaultBufferSize
	}
	if writeCap <= 0 {
		writeCap = DefaultBufferSize
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:   logger.WithField("tty", slave.Name()),
		master:   master,
		slave:    slave,
		fd:       fd,
		name:     slave.Name(),
		poll:     int(poll / time.Millisecond),
		onError:  opts.OnError,
		out:      ringbuffer.New(writeCap),
		in:       ringbuffer.New(readCap),
		pending:  make(chan struct{}, 1),
		outReady: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-output", func(context.Context) { defer p.wg.Done(); p.pumpOut() })
	groutine.Go(ctx, "pty-input", func(context.Context) { defer p.wg.Done(); p.pumpIn() })
	groutine.Go(ctx, "pty-dispatch", func(context.Context) { defer p.wg.Done(); p.dispatch() })

	p.logger.Debug("PTY opened")
	return p, nil
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking
// master. Fd switches a file back to blocking mode, so the master descriptor
// is fetched once, before O_NONBLOCK is set.
func openRaw() (master, slave *os.File, fd int32, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY: %w", err)
	}
	fail := func(step string, err error) (*os.File, *os.File, int32, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, 0, fmt.Errorf("failed to %s on %s: %w", step, slave.Name(), err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode", err)
	}
	fd = int32(master.Fd())
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return fail("set non-blocking mode", err)
	}
	return master, slave, fd, nil
}

func (p *ringPTY) TTYName() string { return p.name }

// Write queues data for the slave. It never blocks; a short count means the
// output ring overflowed.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.out.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		p.droppedOut.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"dropped": len(data) - n, "queued": n}).Warn("PTY output overflow")
	}
	signal(p.outReady)
	return n, nil
}

// Read takes buffered input. It returns unix.EAGAIN when there is none.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.in.Read(b)
	if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, unix.EAGAIN
	}
	return n, nil
}

// SetReadCallback routes input to cb instead of Read. nil restores Read.
// Input already buffered is delivered to the new callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	signal(p.pending)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.out.Length(),
		WriteQueueCap:     p.out.Capacity(),
		ReadQueueLen:      p.in.Length(),
		ReadQueueCap:      p.in.Capacity(),
		DroppedWriteCount: p.droppedOut.Load(),
		DroppedReadCount:  p.droppedIn.Load(),
		ReadBytesTotal:    p.bytesIn.Load(),
		WriteBytesTotal:   p.bytesOut.Load(),
	}
}

// Close stops the pumps and releases both ends.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	err := errors.Join(p.master.Close(), p.slave.Close())

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close", func(context.Context) {
		p.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.poll)*time.Millisecond*3 + time.Second):
		p.logger.Warn("PTY pumps did not stop in time")
	}
	p.logger.Debug("PTY closed")
	return err
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// fatal reports a pump failure unless the PTY is closing.
func (p *ringPTY) fatal(pump string, err error) {
	if p.closed.Load() || errors.Is(err, os.ErrClosed) || errors.Is(err, unix.EBADF) {
		return
	}
	p.logger.WithError(err).Warnf("PTY %s stopped", pump)
	if p.onError != nil {
		p.onError(fmt.Errorf("pty %s: %w", pump, err))
	}
}

// pumpOut moves queued output to the master.
func (p *ringPTY) pumpOut() {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)
	for {
		n, _ := p.out.Read(buf)
		if n == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-p.outReady:
			case <-time.After(time.Duration(p.poll) * time.Millisecond):
			}
			continue
		}

		for off := 0; off < n; {
			w, err := p.master.Write(buf[off:n])
			off += max(w, 0)
			p.bytesOut.Add(uint64(max(w, 0)))
			switch {
			case err == nil:
			case errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				if _, perr := unix.Poll(fds, p.poll); perr != nil && !errors.Is(perr, unix.EINTR) {
					p.fatal("output", perr)
					return
				}
				if p.ctx.Err() != nil {
					return
				}
			default:
				p.fatal("output", err)
				return
			}
		}
	}
}

// pumpIn moves slave input into the input ring.
func (p *ringPTY) pumpIn() {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)
	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, unix.EINTR) {
			p.fatal("input", err)
			return
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			w, _ := p.in.Write(buf[:n])
			if w < n {
				p.droppedIn.Add(uint64(n - w))
				p.logger.WithField("dropped", n-w).Warn("PTY input overflow")
			}
			p.bytesIn.Add(uint64(w))
			signal(p.pending)
		}
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, unix.EIO):
			// slave hung up; a new opener reuses the same master
			time.Sleep(time.Duration(p.poll) * time.Millisecond)
		default:
			p.fatal("input", err)
			return
		}
	}
}

// dispatch hands buffered input to the read callback.
func (p *ringPTY) dispatch() {
	buf := make([]byte, chunkSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.pending:
		}
		for p.ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := p.in.Read(buf)
			if n == 0 {
				break
			}
			if !p.invoke(*cb, buf[:n]) {
				p.readCb.CompareAndSwap(cb, nil)
				break
			}
		}
	}
}

// invoke runs cb and reports false when it panicked.
func (p *ringPTY) invoke(cb ReadCallback, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("PTY read callback panicked: %v", r)
			if p.onError != nil {
				p.onError(fmt.Errorf("pty read callback panic: %v", r))
			}
			ok = false
		}
	}()
	cb(data)
	return true
}
