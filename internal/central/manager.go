// Package central implements simulated central managers. A Manager scans for
// the peripherals registered with an adapter, owns one session per peripheral
// it has seen and dispatches GATT requests to the peripherals' handlers with
// simulated latency. Every callback is delivered on the manager's queue.
package central

import (
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scheduler"
)

// Options configures a Manager.
type Options struct {
	// Queue delivers every callback. A dedicated queue is created when nil
	// and released by Close; a supplied queue stays open.
	Queue scheduler.Queue
	// Name labels the manager in logs and its queue.
	Name string
}

// Manager is a simulated central role client.
type Manager struct {
	name    string
	adapter *adapter.Adapter
	sched   scheduler.Scheduler
	queue   scheduler.Queue
	ownsQ   bool
	logger  *logrus.Logger

	mu         sync.Mutex
	delegate   device.CentralManagerDelegate
	state      device.ManagerState
	sessions   *hashmap.Map[string, *Peripheral]
	scan       *scanState
	closed     bool
	unregister func()
}

var (
	_ device.CentralManager = (*Manager)(nil)
	_ adapter.Observer      = (*Manager)(nil)
)

// NewManager creates a manager bound to a. The initial state is reported
// through DidUpdateState on the manager's queue.
func NewManager(a *adapter.Adapter, delegate device.CentralManagerDelegate, opts *Options) *Manager {
	if opts == nil {
		opts = &Options{}
	}
	name := opts.Name
	if name == "" {
		name = "central-" + uuid.NewString()[:8]
	}
	queue, owned := opts.Queue, false
	if queue == nil {
		queue, owned = a.Scheduler().NewQueue(name), true
	}

	m := &Manager{
		name:     name,
		adapter:  a,
		sched:    a.Scheduler(),
		queue:    queue,
		ownsQ:    owned,
		logger:   a.Logger(),
		delegate: delegate,
		state:    device.ManagerStateUnknown,
		sessions: hashmap.New[string, *Peripheral](),
	}
	m.unregister = adapter.Register(a, m)

	initial := a.State()
	m.queue.Async(func() { m.reportState(initial) })

	m.logger.WithFields(logrus.Fields{
		"manager": name,
		"state":   initial,
	}).Debug("Central manager created")
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) Delegate() device.CentralManagerDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

func (m *Manager) SetDelegate(d device.CentralManagerDelegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

func (m *Manager) delegateLocked() device.CentralManagerDelegate {
	if m.delegate == nil {
		return device.NopCentralManagerDelegate{}
	}
	return m.delegate
}

func (m *Manager) currentDelegate() device.CentralManagerDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegateLocked()
}

// State returns the power state last reported to the delegate.
func (m *Manager) State() device.ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) reportState(state device.ManagerState) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.state = state
	delegate := m.delegateLocked()
	m.mu.Unlock()

	delegate.DidUpdateState(m)
}

// Close stops scanning, drops this manager's links and detaches it from the
// adapter. Further calls are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopScanLocked()

	var released []*peripheral.Specification
	m.sessions.Range(func(_ string, p *Peripheral) bool {
		if p.state == device.PeripheralStateConnected || p.state == device.PeripheralStateDisconnecting {
			if p.spec.RemoveConnection() == 0 {
				released = append(released, p.spec)
			}
		}
		p.resetLocked()
		return true
	})
	m.sessions = hashmap.New[string, *Peripheral]()
	m.mu.Unlock()

	m.unregister()
	for _, spec := range released {
		spec.Handler().OnDisconnect(spec, nil)
	}
	if m.ownsQ {
		m.queue.Close()
	}
	m.logger.WithField("manager", m.name).Debug("Central manager closed")
}

// ensurePoweredOn rejects consumer calls while the radio is unusable.
func (m *Manager) ensurePoweredOn(op string) bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		m.logger.WithFields(logrus.Fields{
			"manager":   m.name,
			"operation": op,
		}).Warn("Central manager is closed, ignoring")
		return false
	}
	if state := m.adapter.State(); state != device.ManagerStatePoweredOn {
		m.logger.WithFields(logrus.Fields{
			"manager":   m.name,
			"operation": op,
			"state":     state,
		}).Warn("API misuse: command accepted only in the poweredOn state, ignoring")
		return false
	}
	return true
}

// own resolves a consumer handle to one of this manager's sessions.
func (m *Manager) own(dp device.Peripheral, op string) (*Peripheral, bool) {
	p, ok := dp.(*Peripheral)
	if !ok || p == nil || p.manager != m {
		m.logger.WithFields(logrus.Fields{
			"manager":   m.name,
			"operation": op,
		}).Warn("Peripheral does not belong to this manager, ignoring")
		return nil, false
	}

	// Power loss and address changes retire sessions; their handles stay inert.
	m.mu.Lock()
	current, found := m.sessions.Get(p.id.String())
	m.mu.Unlock()
	if !found || current != p {
		m.logger.WithFields(logrus.Fields{
			"manager":    m.name,
			"operation":  op,
			"peripheral": p.id,
		}).Warn("API misuse: peripheral handle is stale, retrieve it again; ignoring")
		return nil, false
	}
	return p, true
}

// ----------------------------
// Sessions
// ----------------------------

// sessionLocked returns the session for spec, creating it on first use.
func (m *Manager) sessionLocked(spec *peripheral.Specification) *Peripheral {
	key := spec.Identifier().String()
	if p, ok := m.sessions.Get(key); ok && p.spec == spec {
		return p
	}
	p := newPeripheral(m, spec)
	m.sessions.Set(key, p)
	return p
}

// existingSession returns the session for spec if this manager has one.
func (m *Manager) existingSession(spec *peripheral.Specification) *Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions.Get(spec.Identifier().String())
	if !ok || p.spec != spec {
		return nil
	}
	return p
}

// knows reports whether this manager holds a session for id.
func (m *Manager) knows(id uuid.UUID) (*Peripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Get(id.String())
}

// RetrievePeripherals returns the sessions for the known peripherals among
// ids, in request order. A peripheral is known once this or another manager
// has seen it, or when the system has cached it.
func (m *Manager) RetrievePeripherals(ids ...uuid.UUID) []device.Peripheral {
	if !m.ensurePoweredOn("retrievePeripherals") {
		return nil
	}

	var out []device.Peripheral
	for _, id := range ids {
		if p, ok := m.knows(id); ok {
			out = append(out, p)
			continue
		}

		spec, ok := m.adapter.Peripheral(id)
		if !ok {
			continue
		}
		other := m.sessionElsewhere(id)
		if other == nil && !spec.IsKnown() {
			continue
		}
		var learned naming
		if other != nil {
			learned = other.namingSnapshot()
		}

		m.mu.Lock()
		p := m.sessionLocked(spec)
		p.adoptNamingLocked(learned)
		m.mu.Unlock()
		out = append(out, p)
	}
	return out
}

func (m *Manager) sessionElsewhere(id uuid.UUID) *Peripheral {
	for _, o := range m.adapter.Observers() {
		other, ok := o.(*Manager)
		if !ok || other == m {
			continue
		}
		if p, ok := other.knows(id); ok {
			return p
		}
	}
	return nil
}

// RetrieveConnectedPeripherals returns sessions for peripherals connected by
// any application that expose one of services. No services matches every
// connected peripheral.
func (m *Manager) RetrieveConnectedPeripherals(services ...ble.UUID) []device.Peripheral {
	if !m.ensurePoweredOn("retrieveConnectedPeripherals") {
		return nil
	}

	var out []device.Peripheral
	for _, spec := range m.adapter.Peripherals() {
		if !spec.IsConnected() || !exposesAny(spec, services) {
			continue
		}
		m.mu.Lock()
		p := m.sessionLocked(spec)
		m.mu.Unlock()
		out = append(out, p)
	}
	return out
}

func exposesAny(spec *peripheral.Specification, services []ble.UUID) bool {
	if len(services) == 0 {
		return true
	}
	tree := spec.Services()
	if tree == nil {
		return false
	}
	for _, s := range tree.Services() {
		if device.ContainsUUID(services, s.UUID()) {
			return true
		}
	}
	return false
}

// RegisterForConnectionEvents is not simulated.
func (m *Manager) RegisterForConnectionEvents(map[string]any) {
	panic(fmt.Errorf("connection events: %w", device.ErrUnsupported))
}
