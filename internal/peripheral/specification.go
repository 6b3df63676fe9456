// Package peripheral describes simulated Bluetooth LE devices: their identity,
// proximity, advertising packets, attribute tree and the handler answering
// central requests. A Specification is shared by every central manager; the
// manager-side sessions live in the central package.
package peripheral

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

const (
	// DefaultConnectionInterval is used when a connectable peripheral does not
	// choose its own interval.
	DefaultConnectionInterval = 45 * time.Millisecond
	MinMTU                    = 23
	MaxMTU                    = 517
)

// Observer is notified about harness-driven changes to a registered
// Specification. The adapter registry installs itself as the observer.
type Observer interface {
	PeripheralDisconnected(p *Specification, err error)
	PeripheralProximityChanged(p *Specification, from Proximity)
	PeripheralServicesChanged(p *Specification, nameChanged bool)
	PeripheralAdvertisementChanged(p *Specification)
	PeripheralValueUpdated(p *Specification, c *gatt.Characteristic)
	PeripheralIdentifierChanged(p *Specification, old uuid.UUID)
}

// Specification is the shared description of one simulated device.
type Specification struct {
	mu                 sync.RWMutex
	identifier         uuid.UUID
	name               string
	proximity          Proximity
	known              bool
	connectable        bool
	advertisements     []*Advertisement
	services           *gatt.Tree
	handler            RequestHandler
	connectionInterval time.Duration
	mtu                int
	virtualConnections int
	observer           Observer
}

// ----------------------------
// Accessors
// ----------------------------

func (p *Specification) Identifier() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identifier
}

// Name returns the GATT device name; ok is false for non-connectable devices.
func (p *Specification) Name() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name, p.connectable
}

func (p *Specification) Proximity() Proximity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.proximity
}

// IsKnown reports whether the system has cached the device, which makes it
// retrievable without scanning.
func (p *Specification) IsKnown() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.known
}

func (p *Specification) IsConnectable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectable
}

// Advertisements returns a snapshot of the advertising packets.
func (p *Specification) Advertisements() []*Advertisement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Advertisement(nil), p.advertisements...)
}

// Services returns the template attribute tree, nil for non-connectable devices.
func (p *Specification) Services() *gatt.Tree {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.services
}

// Handler returns the request handler; never nil.
func (p *Specification) Handler() RequestHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.handler == nil {
		return BaseHandler{}
	}
	return p.handler
}

func (p *Specification) ConnectionInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connectionInterval
}

func (p *Specification) MTU() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mtu
}

// VirtualConnections returns the number of live links from any central.
func (p *Specification) VirtualConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.virtualConnections
}

// IsConnected reports whether any central holds a link.
func (p *Specification) IsConnected() bool {
	return p.VirtualConnections() > 0
}

func (p *Specification) String() string {
	name, _ := p.Name()
	return fmt.Sprintf("%s(%s)", name, p.Identifier())
}

// ----------------------------
// Registry hooks
// ----------------------------

// Attach installs o as the observer of harness-driven changes.
func (p *Specification) Attach(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Detach removes the observer.
func (p *Specification) Detach() {
	p.Attach(nil)
}

func (p *Specification) currentObserver() Observer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observer
}

// AddConnection records a new link and returns the resulting count.
func (p *Specification) AddConnection() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.virtualConnections++
	p.known = true
	return p.virtualConnections
}

// RemoveConnection drops one link, never going below zero, and returns the
// resulting count.
func (p *Specification) RemoveConnection() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.virtualConnections > 0 {
		p.virtualConnections--
	}
	return p.virtualConnections
}

// ResetConnections drops every link and reports how many there were.
func (p *Specification) ResetConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.virtualConnections
	p.virtualConnections = 0
	return n
}

// ----------------------------
// Harness simulation
// ----------------------------

// SimulateConnection records a link opened by some other application.
func (p *Specification) SimulateConnection() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connectable {
		return fmt.Errorf("peripheral %s is not connectable: %w", p.identifier, device.ErrUnsupported)
	}
	if !p.proximity.InRange() {
		return fmt.Errorf("peripheral %s is out of range: %w", p.identifier, device.CBErrorConnectionFailed)
	}
	p.virtualConnections++
	p.known = true
	return nil
}

// SimulateDisconnection drops every link as if the device closed them. It
// reports false when the device was not connected. A nil err is delivered as
// device.CBErrorPeripheralDisconnected.
func (p *Specification) SimulateDisconnection(err error) bool {
	if !p.IsConnected() {
		return false
	}
	if err == nil {
		err = device.CBErrorPeripheralDisconnected
	}

	if o := p.currentObserver(); o != nil {
		o.PeripheralDisconnected(p, err)
		return true
	}

	p.ResetConnections()
	p.Handler().OnDisconnect(p, err)
	return true
}

// SimulateReset reboots the device: the handler restores its state and any
// connected central observes a supervision timeout.
func (p *Specification) SimulateReset() {
	p.Handler().OnReset(p)
	p.SimulateDisconnection(device.CBErrorConnectionTimeout)
}

// SimulateProximityChange moves the device. Leaving radio range drops every
// link with a supervision timeout.
func (p *Specification) SimulateProximityChange(proximity Proximity) {
	p.mu.Lock()
	from := p.proximity
	p.proximity = proximity
	p.mu.Unlock()

	if from == proximity {
		return
	}
	if !proximity.InRange() {
		p.SimulateDisconnection(device.CBErrorConnectionTimeout)
	}
	if o := p.currentObserver(); o != nil {
		o.PeripheralProximityChanged(p, from)
	}
}

// SimulateServiceChange replaces the device name and attribute tree.
// Services reused from the previous tree keep their handles; new nodes never
// take a handle the previous tree issued.
func (p *Specification) SimulateServiceChange(name string, services ...*gatt.Service) error {
	p.mu.Lock()
	if !p.connectable {
		p.mu.Unlock()
		return fmt.Errorf("peripheral %s has no attribute tree: %w", p.identifier, device.ErrUnsupported)
	}
	nameChanged := p.name != name
	p.name = name
	if p.services != nil {
		p.services = p.services.Successor(services...)
	} else {
		p.services = gatt.NewTree(services...)
	}
	p.mu.Unlock()

	if o := p.currentObserver(); o != nil {
		o.PeripheralServicesChanged(p, nameChanged)
	}
	return nil
}

// SimulateAdvertisementChange replaces the advertising packets.
func (p *Specification) SimulateAdvertisementChange(ads ...*Advertisement) {
	p.mu.Lock()
	p.advertisements = append([]*Advertisement(nil), ads...)
	p.mu.Unlock()

	if o := p.currentObserver(); o != nil {
		o.PeripheralAdvertisementChanged(p)
	}
}

// SimulateValueUpdate stores data in characteristic c and pushes it to every
// session that has notifications enabled. c may be a template node or any
// session copy of one.
func (p *Specification) SimulateValueUpdate(data []byte, c *gatt.Characteristic) error {
	tree := p.Services()
	if tree == nil || c == nil {
		return &device.NotFoundError{Resource: "characteristic"}
	}
	template := tree.Characteristic(c.Handle())
	if template == nil || !template.Equal(c) {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UUIDString(c.UUID())}}
	}

	template.SetValue(data)
	if o := p.currentObserver(); o != nil {
		o.PeripheralValueUpdated(p, template)
	}
	return nil
}

// SimulateCaching marks the device as known to the system.
func (p *Specification) SimulateCaching() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known = true
}

// SimulateMACChange gives the device a new identifier, a random one when none
// is supplied. The system forgets the device, so it must be scanned again.
// Changing the address of a connected device is rejected.
func (p *Specification) SimulateMACChange(identifier ...uuid.UUID) (uuid.UUID, error) {
	next := uuid.New()
	if len(identifier) > 0 {
		next = identifier[0]
	}

	p.mu.Lock()
	if p.virtualConnections > 0 {
		p.mu.Unlock()
		return uuid.Nil, fmt.Errorf("peripheral %s: %w", p.identifier, device.ErrAlreadyConnected)
	}
	old := p.identifier
	p.identifier = next
	p.known = false
	p.mu.Unlock()

	if o := p.currentObserver(); o != nil {
		o.PeripheralIdentifierChanged(p, old)
	}
	return next, nil
}
