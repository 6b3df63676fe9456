package central

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scheduler"
)

// Peripheral is one manager's session on a simulated device. Connection state,
// discovered attributes and flow control are private to the session; the
// device itself is shared through its Specification.
type Peripheral struct {
	manager  *Manager
	spec     *peripheral.Specification
	id       uuid.UUID
	services *gatt.Tree

	// guarded by manager.mu
	delegate       device.PeripheralDelegate
	state          device.PeripheralState
	attempt        uint64
	attemptPending bool
	connectTimer   *scheduler.Timer
	link           uint64
	discovered     bool
	credits        int
	canSend        bool
	scanned        bool
	everConnected  bool
	advertisedName string
	hasAdvertised  bool
}

var _ device.Peripheral = (*Peripheral)(nil)

func newPeripheral(m *Manager, spec *peripheral.Specification) *Peripheral {
	return &Peripheral{
		manager:  m,
		spec:     spec,
		id:       spec.Identifier(),
		services: gatt.NewSessionTree(),
	}
}

// Identifier is fixed when the session is created; a later address change of
// the device yields a new session.
func (p *Peripheral) Identifier() uuid.UUID { return p.id }

// Specification exposes the simulated device behind the session.
func (p *Peripheral) Specification() *peripheral.Specification { return p.spec }

// Name follows what a real central learns: nothing before the first
// advertisement was processed, then the last advertised local name, and the
// GATT device name once a connection was made.
func (p *Peripheral) Name() (string, bool) {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()

	if p.everConnected {
		return p.spec.Name()
	}
	if p.scanned && p.hasAdvertised {
		return p.advertisedName, true
	}
	return "", false
}

func (p *Peripheral) State() device.PeripheralState {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()
	return p.state
}

func (p *Peripheral) Delegate() device.PeripheralDelegate {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()
	return p.delegate
}

func (p *Peripheral) SetDelegate(d device.PeripheralDelegate) {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()
	p.delegate = d
}

func (p *Peripheral) delegateLocked() device.PeripheralDelegate {
	if p.delegate == nil {
		return device.NopPeripheralDelegate{}
	}
	return p.delegate
}

// Services returns the discovered services; nil until the first discovery
// completes on the current connection.
func (p *Peripheral) Services() []*gatt.Service {
	p.manager.mu.Lock()
	discovered := p.discovered
	p.manager.mu.Unlock()

	if !discovered {
		return nil
	}
	services := p.services.Services()
	if services == nil {
		services = []*gatt.Service{}
	}
	return services
}

// ServiceOf returns the discovered service owning c.
func (p *Peripheral) ServiceOf(c *gatt.Characteristic) *gatt.Service {
	return p.services.ServiceOf(c)
}

// CharacteristicOf returns the discovered characteristic owning d.
func (p *Peripheral) CharacteristicOf(d *gatt.Descriptor) *gatt.Characteristic {
	return p.services.CharacteristicOf(d)
}

func (p *Peripheral) CanSendWriteWithoutResponse() bool {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()
	return p.state == device.PeripheralStateConnected && p.canSend
}

// MaximumWriteValueLength is 0 while disconnected.
func (p *Peripheral) MaximumWriteValueLength(t device.WriteType) int {
	if p.State() != device.PeripheralStateConnected {
		return 0
	}
	if t == device.WriteWithResponse {
		return device.MaxAttributeValueLength
	}
	return p.spec.MTU() - 3
}

// OpenL2CAPChannel is not simulated.
func (p *Peripheral) OpenL2CAPChannel(uint16) {
	panic(fmt.Errorf("L2CAP channels: %w", device.ErrUnsupported))
}

func (p *Peripheral) String() string {
	return fmt.Sprintf("Peripheral(%s, %s)", p.id, p.State())
}

// dropLinkLocked forgets everything tied to the current link.
func (p *Peripheral) dropLinkLocked() {
	p.state = device.PeripheralStateDisconnected
	p.discovered = false
	p.canSend = false
	p.credits = 0
	p.services.Clear()
}

// resetLocked cancels pending work and drops the link without callbacks.
func (p *Peripheral) resetLocked() {
	p.attempt++
	p.attemptPending = false
	p.connectTimer.Stop()
	p.connectTimer = nil
	p.dropLinkLocked()
}

// naming is what a session learned about the device name.
type naming struct {
	scanned bool
	name    string
	has     bool
}

func (p *Peripheral) namingSnapshot() naming {
	p.manager.mu.Lock()
	defer p.manager.mu.Unlock()
	return naming{scanned: p.scanned, name: p.advertisedName, has: p.hasAdvertised}
}

// adoptNamingLocked merges what another manager learned about the device name.
func (p *Peripheral) adoptNamingLocked(n naming) {
	p.scanned = p.scanned || n.scanned
	if n.has && !p.hasAdvertised {
		p.advertisedName, p.hasAdvertised = n.name, true
	}
}
