package gatt

import (
	"fmt"
	"sync"

	"github.com/go-ble/ble"
)

// Tree indexes the nodes of one attribute tree by handle. A template tree is
// built once from authored services; a session tree starts empty and grows as
// discovery attaches copies.
type Tree struct {
	mu              sync.RWMutex
	services        []*Service
	serviceIndex    map[Handle]*Service
	characteristics map[Handle]*Characteristic
	descriptors     map[Handle]*Descriptor
	last            Handle
}

// NewTree assigns handles to every node reachable from services and indexes
// them. Nodes that already carry a handle keep it, so a service reused across
// trees stays identical to previously issued copies.
func NewTree(services ...*Service) *Tree {
	return buildTree(0, services)
}

// Successor builds the tree that replaces t. Nodes without a handle are
// numbered above every handle t has issued, so a retired attribute's handle
// never comes back under a different attribute.
func (t *Tree) Successor(services ...*Service) *Tree {
	t.mu.RLock()
	floor := t.last
	t.mu.RUnlock()
	return buildTree(floor, services)
}

func buildTree(floor Handle, services []*Service) *Tree {
	t := newTree()

	next := maxOf(floor, maxHandle(services)) + 1
	assign := func(h *Handle) {
		if *h == 0 {
			*h = next
			next++
		}
	}

	var visit func(s *Service)
	visit = func(s *Service) {
		if _, ok := t.serviceIndex[s.handle]; ok && s.handle != 0 {
			return
		}
		assign(&s.handle)
		t.serviceIndex[s.handle] = s
		for _, c := range s.Characteristics() {
			assign(&c.handle)
			c.service = s.handle
			t.characteristics[c.handle] = c
			for _, d := range c.Descriptors() {
				assign(&d.handle)
				d.characteristic = c.handle
				t.descriptors[d.handle] = d
			}
		}
		for _, inc := range s.IncludedServices() {
			visit(inc)
		}
	}

	for _, s := range services {
		if _, seen := t.serviceIndex[s.handle]; !seen || s.handle == 0 {
			visit(s)
		}
		t.services = append(t.services, s)
	}
	t.last = next - 1
	return t
}

// NewSessionTree returns an empty tree for discovered copies.
func NewSessionTree() *Tree {
	return newTree()
}

func newTree() *Tree {
	return &Tree{
		serviceIndex:    make(map[Handle]*Service),
		characteristics: make(map[Handle]*Characteristic),
		descriptors:     make(map[Handle]*Descriptor),
	}
}

func maxHandle(services []*Service) Handle {
	var max Handle
	seen := make(map[*Service]bool)
	var walk func(s *Service)
	walk = func(s *Service) {
		if seen[s] {
			return
		}
		seen[s] = true
		max = maxOf(max, s.handle)
		for _, c := range s.Characteristics() {
			max = maxOf(max, c.handle)
			for _, d := range c.Descriptors() {
				max = maxOf(max, d.handle)
			}
		}
		for _, inc := range s.IncludedServices() {
			walk(inc)
		}
	}
	for _, s := range services {
		walk(s)
	}
	return max
}

func maxOf(a, b Handle) Handle {
	if a > b {
		return a
	}
	return b
}

// ----------------------------
// Lookup
// ----------------------------

// Services returns the top-level services in declaration or discovery order.
func (t *Tree) Services() []*Service {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Service(nil), t.services...)
}

// Service returns any indexed service, top-level or included, with handle h.
func (t *Tree) Service(h Handle) *Service {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.serviceIndex[h]
}

func (t *Tree) Characteristic(h Handle) *Characteristic {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.characteristics[h]
}

func (t *Tree) Descriptor(h Handle) *Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.descriptors[h]
}

// ContainsService reports whether s itself, not merely an equal copy, belongs
// to this tree.
func (t *Tree) ContainsService(s *Service) bool {
	return s != nil && t.Service(s.handle) == s
}

func (t *Tree) ContainsCharacteristic(c *Characteristic) bool {
	return c != nil && t.Characteristic(c.handle) == c
}

func (t *Tree) ContainsDescriptor(d *Descriptor) bool {
	return d != nil && t.Descriptor(d.handle) == d
}

// ServiceOf returns the service in this tree owning c.
func (t *Tree) ServiceOf(c *Characteristic) *Service {
	return t.Service(c.service)
}

// CharacteristicOf returns the characteristic in this tree owning d.
func (t *Tree) CharacteristicOf(d *Descriptor) *Characteristic {
	return t.Characteristic(d.characteristic)
}

// FindService returns the first top-level service with the given UUID.
func (t *Tree) FindService(uuid ble.UUID) *Service {
	for _, s := range t.Services() {
		if s.uuid.Equal(uuid) {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the first characteristic with charUUID inside the
// first service with serviceUUID.
func (t *Tree) FindCharacteristic(serviceUUID, charUUID ble.UUID) *Characteristic {
	s := t.FindService(serviceUUID)
	if s == nil {
		return nil
	}
	for _, c := range s.Characteristics() {
		if c.uuid.Equal(charUUID) {
			return c
		}
	}
	return nil
}

// Len returns the number of indexed nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.serviceIndex) + len(t.characteristics) + len(t.descriptors)
}

// ----------------------------
// Session mutation
// ----------------------------

// AddService attaches a top-level copy. If a service with the same handle is
// already present the existing node is returned instead.
func (t *Tree) AddService(s *Service) *Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.serviceIndex[s.handle]; ok {
		if !t.isTopLevel(existing) {
			t.services = append(t.services, existing)
		}
		return existing
	}
	t.serviceIndex[s.handle] = s
	t.services = append(t.services, s)
	return s
}

// AddIncludedService attaches s under parent. parent must belong to this tree.
func (t *Tree) AddIncludedService(parent, s *Service) *Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustOwnService(parent)

	node, ok := t.serviceIndex[s.handle]
	if !ok {
		node = s
		t.serviceIndex[s.handle] = s
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	for _, inc := range parent.included {
		if inc.handle == node.handle {
			return inc
		}
	}
	parent.included = append(parent.included, node)
	return node
}

// AddCharacteristic attaches c under parent. parent must belong to this tree.
func (t *Tree) AddCharacteristic(parent *Service, c *Characteristic) *Characteristic {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustOwnService(parent)

	if existing, ok := t.characteristics[c.handle]; ok {
		return existing
	}
	c.service = parent.handle
	t.characteristics[c.handle] = c

	parent.mu.Lock()
	parent.characteristics = append(parent.characteristics, c)
	parent.mu.Unlock()
	return c
}

// AddDescriptor attaches d under parent. parent must belong to this tree.
func (t *Tree) AddDescriptor(parent *Characteristic, d *Descriptor) *Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if parent == nil || t.characteristics[parent.handle] != parent {
		panic(fmt.Sprintf("gatt: descriptor %#04x attached to characteristic outside of this tree", d.handle))
	}

	if existing, ok := t.descriptors[d.handle]; ok {
		return existing
	}
	d.characteristic = parent.handle
	t.descriptors[d.handle] = d

	parent.mu.Lock()
	parent.descriptors = append(parent.descriptors, d)
	parent.mu.Unlock()
	return d
}

// RemoveService detaches the top-level service with handle h together with
// its characteristics and descriptors.
func (t *Tree) RemoveService(h Handle) *Service {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.serviceIndex[h]
	if !ok {
		return nil
	}
	delete(t.serviceIndex, h)
	for i, top := range t.services {
		if top == s {
			t.services = append(t.services[:i:i], t.services[i+1:]...)
			break
		}
	}
	for _, c := range s.Characteristics() {
		delete(t.characteristics, c.handle)
		for _, d := range c.Descriptors() {
			delete(t.descriptors, d.handle)
		}
	}
	return s
}

// Clear drops every node.
func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = nil
	t.serviceIndex = make(map[Handle]*Service)
	t.characteristics = make(map[Handle]*Characteristic)
	t.descriptors = make(map[Handle]*Descriptor)
}

// IsTopLevel reports whether the service with handle h is listed among the
// top-level services. A service reachable only as an included service is not.
func (t *Tree) IsTopLevel(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.serviceIndex[h]
	return ok && t.isTopLevel(s)
}

func (t *Tree) isTopLevel(s *Service) bool {
	for _, top := range t.services {
		if top == s {
			return true
		}
	}
	return false
}

func (t *Tree) mustOwnService(s *Service) {
	if s == nil || t.serviceIndex[s.handle] != s {
		h := Handle(0)
		if s != nil {
			h = s.handle
		}
		panic(fmt.Sprintf("gatt: attribute attached to service %#04x outside of this tree", h))
	}
}
