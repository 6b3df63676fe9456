// Package gatt models the attribute tree of a simulated peripheral: services,
// characteristics and descriptors addressed by stable handles.
//
// A peripheral owns one template tree. Every connected session works on its own
// tree of shallow copies that share handles with the template, so a copy and
// its template compare equal while keeping their own value and notification
// state.
package gatt

import (
	"sync"

	"github.com/go-ble/ble"
)

// Handle identifies an attribute within one peripheral. It is stable for the
// lifetime of the node and preserved by Copy.
type Handle uint16

// ----------------------------
// Service
// ----------------------------

// Service is a primary or secondary GATT service.
type Service struct {
	handle  Handle
	uuid    ble.UUID
	primary bool

	mu              sync.RWMutex
	included        []*Service
	characteristics []*Characteristic
}

// NewService creates a primary service holding characteristics.
func NewService(uuid ble.UUID, characteristics ...*Characteristic) *Service {
	return &Service{uuid: uuid, primary: true, characteristics: characteristics}
}

// NewSecondaryService creates a secondary service, reachable only through
// another service's included services.
func NewSecondaryService(uuid ble.UUID, characteristics ...*Characteristic) *Service {
	s := NewService(uuid, characteristics...)
	s.primary = false
	return s
}

// Include appends services to the included-service list and returns s.
func (s *Service) Include(services ...*Service) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.included = append(s.included, services...)
	return s
}

func (s *Service) Handle() Handle  { return s.handle }
func (s *Service) UUID() ble.UUID  { return s.uuid }
func (s *Service) IsPrimary() bool { return s.primary }

// IncludedServices returns a snapshot of the included services.
func (s *Service) IncludedServices() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Service(nil), s.included...)
}

// Characteristics returns a snapshot of the characteristics.
func (s *Service) Characteristics() []*Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Characteristic(nil), s.characteristics...)
}

// Characteristic returns the direct child with handle h.
func (s *Service) Characteristic(h Handle) *Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.characteristics {
		if c.handle == h {
			return c
		}
	}
	return nil
}

// Copy returns a node with the same handle, UUID and kind but no children.
func (s *Service) Copy() *Service {
	return &Service{handle: s.handle, uuid: s.uuid, primary: s.primary}
}

// Equal reports whether both nodes denote the same attribute.
func (s *Service) Equal(o *Service) bool {
	return s != nil && o != nil && s.handle == o.handle && s.uuid.Equal(o.uuid)
}

// ----------------------------
// Characteristic
// ----------------------------

// Characteristic is a GATT characteristic with a value and notification state.
type Characteristic struct {
	handle     Handle
	service    Handle
	uuid       ble.UUID
	properties ble.Property

	mu          sync.RWMutex
	value       []byte
	notifying   bool
	descriptors []*Descriptor
}

// NewCharacteristic creates a characteristic with an initial value.
func NewCharacteristic(uuid ble.UUID, properties ble.Property, value []byte, descriptors ...*Descriptor) *Characteristic {
	return &Characteristic{
		uuid:        uuid,
		properties:  properties,
		value:       clone(value),
		descriptors: descriptors,
	}
}

func (c *Characteristic) Handle() Handle           { return c.handle }
func (c *Characteristic) ServiceHandle() Handle    { return c.service }
func (c *Characteristic) UUID() ble.UUID           { return c.uuid }
func (c *Characteristic) Properties() ble.Property { return c.properties }

// Value returns a copy of the current value.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.value)
}

// SetValue replaces the current value.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = clone(v)
}

func (c *Characteristic) IsNotifying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifying
}

func (c *Characteristic) SetNotifying(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifying = enabled
}

// Descriptors returns a snapshot of the descriptors.
func (c *Characteristic) Descriptors() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Descriptor(nil), c.descriptors...)
}

// Descriptor returns the direct child with handle h.
func (c *Characteristic) Descriptor(h Handle) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descriptors {
		if d.handle == h {
			return d
		}
	}
	return nil
}

// DescriptorByUUID returns the first descriptor with the given UUID.
func (c *Characteristic) DescriptorByUUID(uuid ble.UUID) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descriptors {
		if d.uuid.Equal(uuid) {
			return d
		}
	}
	return nil
}

// Copy returns a node with the same handle, UUID and properties, the current
// value, notifications off and no descriptors.
func (c *Characteristic) Copy() *Characteristic {
	return &Characteristic{
		handle:     c.handle,
		service:    c.service,
		uuid:       c.uuid,
		properties: c.properties,
		value:      c.Value(),
	}
}

// Equal reports whether both nodes denote the same attribute.
func (c *Characteristic) Equal(o *Characteristic) bool {
	return c != nil && o != nil && c.handle == o.handle && c.uuid.Equal(o.uuid)
}

// ----------------------------
// Descriptor
// ----------------------------

// Descriptor is a GATT characteristic descriptor.
type Descriptor struct {
	handle         Handle
	characteristic Handle
	uuid           ble.UUID

	mu    sync.RWMutex
	value []byte
}

// NewDescriptor creates a descriptor with an initial value.
func NewDescriptor(uuid ble.UUID, value []byte) *Descriptor {
	return &Descriptor{uuid: uuid, value: clone(value)}
}

func (d *Descriptor) Handle() Handle               { return d.handle }
func (d *Descriptor) CharacteristicHandle() Handle { return d.characteristic }
func (d *Descriptor) UUID() ble.UUID               { return d.uuid }

func (d *Descriptor) Value() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return clone(d.value)
}

func (d *Descriptor) SetValue(v []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = clone(v)
}

// Copy returns a node with the same handle, UUID and current value.
func (d *Descriptor) Copy() *Descriptor {
	return &Descriptor{handle: d.handle, characteristic: d.characteristic, uuid: d.uuid, value: d.Value()}
}

// Equal reports whether both nodes denote the same attribute.
func (d *Descriptor) Equal(o *Descriptor) bool {
	return d != nil && o != nil && d.handle == o.handle && d.uuid.Equal(o.uuid)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
