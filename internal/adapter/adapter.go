// Package adapter holds the process-wide state of the simulated Bluetooth
// radio: power state, the ordered set of simulated peripherals and a weak
// registry of the central managers observing them.
//
// An Adapter is an explicit context object. Tests create one per case and
// call TearDown between cases.
package adapter

import (
	"math/rand/v2"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scheduler"
	"github.com/srg/blesim/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Observer receives adapter events. Central managers implement it.
type Observer interface {
	AdapterStateChanged(from, to device.ManagerState)
	// PeripheralLost forces every connected session of p to disconnected.
	// It runs on the adapter queue once the disconnection latency elapsed.
	PeripheralLost(p *peripheral.Specification, err error)
	PeripheralProximityChanged(p *peripheral.Specification, from peripheral.Proximity)
	PeripheralServicesChanged(p *peripheral.Specification, nameChanged bool)
	PeripheralAdvertisementChanged(p *peripheral.Specification)
	PeripheralValueUpdated(p *peripheral.Specification, c *gatt.Characteristic)
	PeripheralIdentifierChanged(p *peripheral.Specification, old uuid.UUID)
}

type registration struct {
	id  uint64
	ref func() Observer
}

// Adapter is the simulated radio shared by every central manager.
type Adapter struct {
	cfg    *config.Config
	logger *logrus.Logger
	sched  scheduler.Scheduler
	queue  scheduler.Queue

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	state       device.ManagerState
	nextID      uint64
	managers    []registration
	peripherals *orderedmap.OrderedMap[uuid.UUID, *peripheral.Specification]
}

// New creates a powered-off adapter driven by sched.
func New(cfg *config.Config, sched scheduler.Scheduler, logger *logrus.Logger) *Adapter {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	seed := cfg.Simulation.Seed
	return &Adapter{
		cfg:         cfg,
		logger:      logger,
		sched:       sched,
		queue:       sched.NewQueue("adapter"),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		state:       device.ManagerStatePoweredOff,
		peripherals: orderedmap.New[uuid.UUID, *peripheral.Specification](),
	}
}

func (a *Adapter) Config() *config.Config         { return a.cfg }
func (a *Adapter) Logger() *logrus.Logger         { return a.logger }
func (a *Adapter) Scheduler() scheduler.Scheduler { return a.sched }

// State returns the current power state.
func (a *Adapter) State() device.ManagerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsPoweredOn reports whether the radio is usable.
func (a *Adapter) IsPoweredOn() bool {
	return a.State() == device.ManagerStatePoweredOn
}

// ----------------------------
// Manager registry
// ----------------------------

// Register adds a weakly held manager. lookup must return nil once the manager
// has been collected; the registry prunes such entries lazily. The returned
// function removes the registration.
func Register[T any, PT interface {
	*T
	Observer
}](a *Adapter, m PT) (unregister func()) {
	wp := weak.Make((*T)(m))
	ref := func() Observer {
		if strong := wp.Value(); strong != nil {
			return PT(strong)
		}
		return nil
	}

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.managers = append(a.managers, registration{id: id, ref: ref})
	a.mu.Unlock()

	return func() { a.unregister(id) }
}

func (a *Adapter) unregister(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.managers {
		if r.id == id {
			a.managers = append(a.managers[:i:i], a.managers[i+1:]...)
			return
		}
	}
}

// observers returns the live managers, pruning collected ones.
func (a *Adapter) observers() []Observer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.observersLocked()
}

func (a *Adapter) observersLocked() []Observer {
	live := make([]Observer, 0, len(a.managers))
	kept := a.managers[:0]
	for _, r := range a.managers {
		if o := r.ref(); o != nil {
			live = append(live, o)
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(a.managers); i++ {
		a.managers[i] = registration{}
	}
	a.managers = kept
	return live
}

// Observers returns the live managers in registration order.
func (a *Adapter) Observers() []Observer {
	return a.observers()
}

// HasManagers reports whether any live manager exists.
func (a *Adapter) HasManagers() bool {
	return len(a.observers()) > 0
}

// ----------------------------
// Power state
// ----------------------------

// SetInitialState sets the power state before any manager exists. Once a
// manager exists the call is ignored with a warning; use SimulateStateChange.
func (a *Adapter) SetInitialState(state device.ManagerState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.observersLocked()) > 0 {
		a.logger.WithField("state", state).Warn("Initial state must be set before creating central managers, ignoring")
		return
	}
	a.state = state
}

// PowerOn is SimulateStateChange(poweredOn).
func (a *Adapter) PowerOn() { a.SimulateStateChange(device.ManagerStatePoweredOn) }

// PowerOff is SimulateStateChange(poweredOff).
func (a *Adapter) PowerOff() { a.SimulateStateChange(device.ManagerStatePoweredOff) }

// SimulateStateChange moves the radio to state. Leaving poweredOn drops every
// link; every manager is told about the change.
func (a *Adapter) SimulateStateChange(state device.ManagerState) {
	a.mu.Lock()
	from := a.state
	if from == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	observers := a.observersLocked()
	specs := a.peripheralsLocked()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   state,
	}).Info("Adapter state changed")

	if from == device.ManagerStatePoweredOn {
		for _, p := range specs {
			p.ResetConnections()
		}
	}
	for _, o := range observers {
		o.AdapterStateChanged(from, state)
	}
}

// TearDown forgets every manager and peripheral and returns the adapter to
// poweredOff through unknown, reporting both transitions to live managers.
func (a *Adapter) TearDown() {
	a.SimulateStateChange(device.ManagerStateUnknown)
	a.SimulateStateChange(device.ManagerStatePoweredOff)

	a.mu.Lock()
	specs := a.peripheralsLocked()
	a.managers = nil
	a.peripherals = orderedmap.New[uuid.UUID, *peripheral.Specification]()
	a.mu.Unlock()

	for _, p := range specs {
		p.Detach()
		p.ResetConnections()
	}
	a.logger.Debug("Adapter torn down")
}

// ----------------------------
// Peripheral registry
// ----------------------------

// SetPeripherals replaces the simulated peripherals. It is accepted only while
// no manager exists or the radio is powered off; otherwise it is ignored with
// a warning.
func (a *Adapter) SetPeripherals(specs ...*peripheral.Specification) {
	a.mu.Lock()
	if len(a.observersLocked()) > 0 && a.state != device.ManagerStatePoweredOff {
		a.mu.Unlock()
		a.logger.Warn("Peripherals can only be replaced while no manager exists or the adapter is powered off, ignoring")
		return
	}

	old := a.peripheralsLocked()
	next := orderedmap.New[uuid.UUID, *peripheral.Specification]()
	for _, p := range specs {
		next.Set(p.Identifier(), p)
	}
	a.peripherals = next
	a.mu.Unlock()

	for _, p := range old {
		p.Detach()
	}
	for _, p := range specs {
		p.Attach(a)
	}
	a.logger.WithField("count", len(specs)).Debug("Simulated peripherals set")
}

// Peripherals returns the registered peripherals in registration order.
func (a *Adapter) Peripherals() []*peripheral.Specification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peripheralsLocked()
}

func (a *Adapter) peripheralsLocked() []*peripheral.Specification {
	out := make([]*peripheral.Specification, 0, a.peripherals.Len())
	for pair := a.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Peripheral looks up a registered peripheral by identifier.
func (a *Adapter) Peripheral(id uuid.UUID) (*peripheral.Specification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peripherals.Get(id)
}

// ----------------------------
// Radio model
// ----------------------------

// RSSI samples the signal strength of a peripheral at proximity p: the base
// value plus uniform jitter within the configured deviation.
func (a *Adapter) RSSI(p peripheral.Proximity) int {
	if !p.InRange() {
		return peripheral.RSSIOutOfRange
	}
	dev := a.cfg.Simulation.RSSIDeviation
	if dev <= 0 {
		return p.RSSI()
	}

	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return p.RSSI() + a.rng.IntN(2*dev+1) - dev
}

// SupervisionTimeout is the latency of an unexpected link loss.
func (a *Adapter) SupervisionTimeout() time.Duration {
	return a.cfg.Simulation.SupervisionTimeout
}
