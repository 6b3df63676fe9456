// Package bridge exposes a simulated serial-over-BLE peripheral as a
// pseudo-terminal. Bytes typed into the PTY are written to the peripheral's RX
// characteristic in MTU sized chunks; notifications from its TX characteristic
// are written back to the PTY.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/groutine"
	"github.com/srg/blesim/internal/ptyio"
	"github.com/srg/blesim/internal/ringchan"
)

const (
	// Nordic UART Service, the de facto serial profile.
	DefaultServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultRXUUID      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	DefaultTXUUID      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"

	// DefaultPtyStdoutBufferSize is the default size, in bytes, of the ring buffer used for PTY stdout input.
	DefaultPtyStdoutBufferSize = 1000

	// DefaultPtyStdinBufferSize is the default size, in bytes, of the ring buffer used for PTY stdin input.
	DefaultPtyStdinBufferSize = 1000
)

// Options contains all the configuration for running a bridge
type Options struct {
	Peripheral     uuid.UUID
	ConnectTimeout time.Duration
	// ServiceUUID, RXUUID and TXUUID select the serial characteristics.
	// Empty values use the Nordic UART Service.
	ServiceUUID string
	RXUUID      string
	TXUUID      string
	// WithResponse sends PTY input as acknowledged writes.
	WithResponse        bool
	PtyStdinBufferSize  int    // PTY stdin ring buffer size in bytes (0 = use default)
	PtyStdoutBufferSize int    // PTY stdout ring buffer size in bytes (0 = use default)
	TTYSymlinkPath      string // Optional tty symlink path for PTY slave (e.g., /tmp/ble-device)
	Logger              *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running bridge (mirrors InspectCallback)
type Callback[R any] func(*Bridge) (R, error)

// Stats counts bridged traffic.
type Stats struct {
	ToDevice   uint64
	FromDevice uint64
	Failed     uint64
	PTY        ptyio.Stats
}

// Bridge is a running PTY bridge.
type Bridge struct {
	session *inspector.Session
	pty     ptyio.PTY
	rx, tx  *gatt.Characteristic
	symlink string
	logger  *logrus.Entry
	opts    Options

	input  *ringchan.Channel[[]byte]
	failed chan error

	toDevice, fromDevice, writeErrors atomic.Uint64
}

func (b *Bridge) Session() *inspector.Session { return b.session }

// TTYName is the slave device path applications open.
func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// TTYSymlink is the symlink to the slave, empty when none was requested.
func (b *Bridge) TTYSymlink() string { return b.symlink }

// PTY is the master side, for callers that inject or tap traffic.
func (b *Bridge) PTY() ptyio.PTY { return b.pty }

func (b *Bridge) Stats() Stats {
	return Stats{
		ToDevice:   b.toDevice.Load(),
		FromDevice: b.fromDevice.Load(),
		Failed:     b.writeErrors.Load(),
		PTY:        b.pty.Stats(),
	}
}

// Wait blocks until ctx ends, the peripheral drops the link or a write to
// the peripheral fails. A cancelled ctx is not an error.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-b.session.Disconnected():
		return fmt.Errorf("peripheral disconnected: %w", errors.Join(device.ErrNotConnected, b.session.Err()))
	case err := <-b.failed:
		return err
	}
}

// Run connects to a peripheral, creates a PTY bridge, and executes the callback with the bridge.
// Everything is torn down when the callback returns.
// It follows the same pattern as inspector.InspectDevice for consistency.
func Run[R any](ctx context.Context, in *inspector.Inspector, opts *Options, progressCallback ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.Peripheral == uuid.Nil {
		return zero, fmt.Errorf("failed to execute bridge: peripheral identifier is required")
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID, o.RXUUID, o.TXUUID = DefaultServiceUUID, DefaultRXUUID, DefaultTXUUID
	}
	if o.PtyStdinBufferSize == 0 {
		o.PtyStdinBufferSize = DefaultPtyStdinBufferSize
	}
	if o.PtyStdoutBufferSize == 0 {
		o.PtyStdoutBufferSize = DefaultPtyStdoutBufferSize
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCallback("Connecting")
	session, err := in.Connect(bridgeCtx, o.Peripheral, o.ConnectTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := session.Disconnect(dctx); err != nil {
			o.Logger.WithError(err).Warn("Failed to disconnect bridge peripheral")
		}
	}()
	progressCallback("Connected")

	if _, err := session.DiscoverAll(bridgeCtx); err != nil {
		progressCallback("Failed")
		return zero, err
	}
	rx, err := session.Characteristic(o.ServiceUUID, o.RXUUID)
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("bridge RX characteristic: %w", err)
	}
	tx, err := session.Characteristic(o.ServiceUUID, o.TXUUID)
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("bridge TX characteristic: %w", err)
	}

	progressCallback("Setting up PTY")
	pty, err := ptyio.Open(&ptyio.Options{
		ReadCap:  o.PtyStdinBufferSize,
		WriteCap: o.PtyStdoutBufferSize,
		Logger:   o.Logger,
	})
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	defer func() { _ = pty.Close() }()
	o.Logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	b := &Bridge{
		session: session,
		pty:     pty,
		rx:      rx,
		tx:      tx,
		logger:  o.Logger.WithField("tty", pty.TTYName()),
		opts:    o,
		input:   ringchan.New[[]byte](64),
		failed:  make(chan error, 1),
	}
	defer b.input.Close()

	if o.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), o.TTYSymlinkPath); err != nil {
			progressCallback("Failed")
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", o.TTYSymlinkPath, pty.TTYName(), err)
		}
		b.symlink = o.TTYSymlinkPath
		defer func() {
			if err := os.Remove(b.symlink); err != nil {
				o.Logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}()
		b.logger.WithField("ttySymlink", b.symlink).Info("Created PTY symlink")
	}

	notifications, err := session.Subscribe(bridgeCtx, tx, 256)
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to subscribe to TX: %w", err)
	}

	groutine.Go(bridgeCtx, "bridge-from-device", func(ctx context.Context) { b.fromDeviceLoop(ctx, notifications) })
	groutine.Go(bridgeCtx, "bridge-to-device", b.toDeviceLoop)
	pty.SetReadCallback(func(data []byte) {
		if dropped := b.input.Send(append([]byte(nil), data...)); dropped {
			b.logger.Warn("Bridge input backlog overflow")
		}
	})

	progressCallback("Running")
	return callback(b)
}

// fromDeviceLoop copies notifications to the PTY.
func (b *Bridge) fromDeviceLoop(ctx context.Context, notifications <-chan inspector.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			written, err := b.pty.Write(n.Value)
			if err != nil {
				b.logger.WithError(err).Debug("PTY write failed")
				return
			}
			b.fromDevice.Add(uint64(written))
		}
	}
}

// toDeviceLoop writes PTY input to RX, split to fit the MTU.
func (b *Bridge) toDeviceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-b.input.C():
			if !ok {
				return
			}
			if err := b.send(ctx, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.writeErrors.Add(1)
				b.logger.WithError(err).Warn("Bridge write failed")
				if inspector.IsNotConnected(err) {
					select {
					case b.failed <- err:
					default:
					}
					return
				}
			}
		}
	}
}

func (b *Bridge) send(ctx context.Context, data []byte) error {
	chunk := b.session.MTU() - 3
	for len(data) > 0 {
		n := min(chunk, len(data))
		if err := b.session.Write(ctx, b.rx, data[:n], b.opts.WithResponse); err != nil {
			return err
		}
		b.toDevice.Add(uint64(n))
		data = data[n:]
	}
	return nil
}
