// Package inspector turns the callback based central API into blocking calls.
// An Inspector owns one central manager; every connected peripheral is a
// Session whose GATT operations wait for their completion callback or for the
// caller's context.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/central"
	"github.com/srg/blesim/internal/device"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	ConnectTimeout time.Duration
	// SkipDiscovery hands the callback a session with no discovered services.
	SkipDiscovery bool
}

// InspectCallback processes a connected device and produces output of type R
type InspectCallback[R any] func(*Session) (R, error)

// Inspector is a synchronous client of one simulated central manager.
type Inspector struct {
	manager *central.Manager
	logger  *logrus.Logger

	mu         sync.Mutex
	state      device.ManagerState
	reported   bool
	changed    chan struct{}
	discovered map[uuid.UUID]device.Peripheral
	sessions   map[uuid.UUID]*Session
}

// New creates an inspector with its own manager on a.
func New(a *adapter.Adapter, logger *logrus.Logger) *Inspector {
	if logger == nil {
		logger = a.Logger()
	}
	in := &Inspector{
		logger:     logger,
		changed:    make(chan struct{}),
		discovered: make(map[uuid.UUID]device.Peripheral),
		sessions:   make(map[uuid.UUID]*Session),
	}
	in.manager = central.NewManager(a, &centralDelegate{in: in}, &central.Options{Name: "inspector"})
	return in
}

// Manager is the central the inspector drives.
func (in *Inspector) Manager() *central.Manager { return in.manager }

// Close disconnects every session and releases the manager.
func (in *Inspector) Close() {
	in.mu.Lock()
	sessions := make([]*Session, 0, len(in.sessions))
	for _, s := range in.sessions {
		sessions = append(sessions, s)
	}
	in.mu.Unlock()

	for _, s := range sessions {
		s.markDisconnected(device.ErrManagerClosed)
	}
	in.manager.Close()
}

// broadcastLocked wakes every waiter.
func (in *Inspector) broadcastLocked() {
	close(in.changed)
	in.changed = make(chan struct{})
}

// wait blocks until cond holds or ctx ends. cond runs under in.mu.
func (in *Inspector) wait(ctx context.Context, cond func() bool) error {
	for {
		in.mu.Lock()
		if cond() {
			in.mu.Unlock()
			return nil
		}
		changed := in.changed
		in.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitPoweredOn blocks until the manager has reported its first state and
// fails unless that state is poweredOn.
func (in *Inspector) WaitPoweredOn(ctx context.Context) error {
	err := in.wait(ctx, func() bool {
		return in.reported && in.state != device.ManagerStateResetting && in.state != device.ManagerStateUnknown
	})
	if err != nil {
		return fmt.Errorf("waiting for bluetooth: %w", err)
	}
	in.mu.Lock()
	state := in.state
	in.mu.Unlock()
	if state != device.ManagerStatePoweredOn {
		return fmt.Errorf("bluetooth is %s: %w", state, device.ErrBluetoothOff)
	}
	return nil
}

// Find returns the session for id, scanning until the peripheral advertises
// when the system does not know it yet.
func (in *Inspector) Find(ctx context.Context, id uuid.UUID) (device.Peripheral, error) {
	if err := in.WaitPoweredOn(ctx); err != nil {
		return nil, err
	}
	if found := in.manager.RetrievePeripherals(id); len(found) == 1 {
		return found[0], nil
	}

	in.logger.WithField("peripheral", id).Debug("Scanning for peripheral")
	in.manager.ScanForPeripherals(nil, nil)
	defer in.manager.StopScan()

	var p device.Peripheral
	err := in.wait(ctx, func() bool {
		p = in.discovered[id]
		return p != nil
	})
	if err != nil {
		return nil, fmt.Errorf("peripheral %s: %w", id, asTimeout(err))
	}
	return p, nil
}

// Connect finds and connects the peripheral with identifier id. A zero
// timeout waits as long as ctx allows.
func (in *Inspector) Connect(ctx context.Context, id uuid.UUID, timeout time.Duration) (*Session, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p, err := in.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	s := newSession(in, p)
	in.mu.Lock()
	if old := in.sessions[id]; old != nil && !old.isDisconnected() {
		in.mu.Unlock()
		return nil, fmt.Errorf("peripheral %s: %w", id, device.ErrAlreadyConnected)
	}
	in.sessions[id] = s
	in.mu.Unlock()

	p.SetDelegate(s)
	in.manager.Connect(p, nil)

	select {
	case <-s.connected:
		in.logger.WithField("peripheral", id).Info("Connected")
		return s, nil
	case <-s.gone:
		return nil, fmt.Errorf("failed to connect %s: %w", id, s.Err())
	case <-ctx.Done():
		in.manager.CancelPeripheralConnection(p)
		s.markDisconnected(ctx.Err())
		return nil, fmt.Errorf("failed to connect %s: %w", id, asTimeout(ctx.Err()))
	}
}

func (in *Inspector) session(id uuid.UUID) *Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sessions[id]
}

// asTimeout maps a context deadline to device.ErrTimeout.
func asTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", device.ErrTimeout, err)
	}
	return err
}

type centralDelegate struct {
	in *Inspector
}

func (d *centralDelegate) DidUpdateState(m device.CentralManager) {
	in := d.in
	in.mu.Lock()
	in.state = m.State()
	in.reported = true
	in.broadcastLocked()
	in.mu.Unlock()
	in.logger.WithField("state", m.State()).Debug("Inspector radio state")
}

func (d *centralDelegate) DidDiscoverPeripheral(_ device.CentralManager, p device.Peripheral, _ *device.AdvertisementData, _ int) {
	in := d.in
	in.mu.Lock()
	if _, ok := in.discovered[p.Identifier()]; !ok {
		in.discovered[p.Identifier()] = p
		in.broadcastLocked()
	}
	in.mu.Unlock()
}

func (d *centralDelegate) DidConnect(_ device.CentralManager, p device.Peripheral) {
	if s := d.in.session(p.Identifier()); s != nil {
		s.markConnected()
	}
}

func (d *centralDelegate) DidFailToConnect(_ device.CentralManager, p device.Peripheral, err error) {
	if err == nil {
		err = device.CBErrorConnectionFailed
	}
	if s := d.in.session(p.Identifier()); s != nil {
		s.markDisconnected(err)
	}
}

func (d *centralDelegate) DidDisconnect(_ device.CentralManager, p device.Peripheral, err error) {
	d.in.logger.WithFields(logrus.Fields{
		"peripheral": p.Identifier(),
		"error":      err,
	}).Info("Disconnected")
	if s := d.in.session(p.Identifier()); s != nil {
		s.markDisconnected(err)
	}
}

// InspectDevice connects to a device, discovers its profile, and executes the callback with the connected device.
// The device lifecycle (connection and disconnection) is managed automatically.
// The callback receives the connected session and can return any result type R along with an error.
// Optional progressCallback can be provided for connection progress updates.
func InspectDevice[R any](ctx context.Context, in *Inspector, id uuid.UUID, opts *InspectOptions, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{ConnectTimeout: 30 * time.Second}
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	progressCallback("Connecting")
	session, err := in.Connect(ctx, id, opts.ConnectTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	progressCallback("Connected")

	// Ensure the device is disconnected after the callback completes
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := session.Disconnect(dctx); err != nil {
			in.logger.WithError(err).Error("failed to disconnect device")
		}
	}()

	if !opts.SkipDiscovery {
		progressCallback("Discovering")
		if _, err := session.DiscoverAll(ctx); err != nil {
			progressCallback("Failed")
			return zero, err
		}
	}

	progressCallback("Processing results")
	return callback(session)
}

const disconnectTimeout = 5 * time.Second
