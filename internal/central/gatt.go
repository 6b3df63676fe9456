package central

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
)

// begin returns the link a GATT request is issued on. Requests on a session
// that is not connected are ignored.
func (p *Peripheral) begin(op string) (uint64, bool) {
	m := p.manager
	m.mu.Lock()
	state, link := p.state, p.link
	m.mu.Unlock()

	if state != device.PeripheralStateConnected {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"operation":  op,
			"state":      state,
		}).Warn("API misuse: peripheral is not connected, ignoring")
		return 0, false
	}
	return link, true
}

// after delivers a GATT response once d has elapsed, provided the request's
// link is still up. apply runs under the manager lock right before delivery.
func (p *Peripheral) after(link uint64, d time.Duration, apply func(), deliver func(device.PeripheralDelegate)) {
	m := p.manager
	m.sched.After(m.queue, d, func() {
		m.mu.Lock()
		if p.state != device.PeripheralStateConnected || p.link != link {
			m.mu.Unlock()
			return
		}
		if apply != nil {
			apply()
		}
		delegate := p.delegateLocked()
		m.mu.Unlock()

		deliver(delegate)
	})
}

func (p *Peripheral) interval() time.Duration {
	return p.spec.ConnectionInterval()
}

// ----------------------------
// Template resolution
// ----------------------------

// templateService maps a discovered service to the peripheral's own node.
func (p *Peripheral) templateService(s *gatt.Service) *gatt.Service {
	if s == nil || !p.services.ContainsService(s) {
		return nil
	}
	tree := p.spec.Services()
	if tree == nil {
		return nil
	}
	if t := tree.Service(s.Handle()); t.Equal(s) {
		return t
	}
	return nil
}

func (p *Peripheral) templateCharacteristic(c *gatt.Characteristic) *gatt.Characteristic {
	if c == nil || !p.services.ContainsCharacteristic(c) {
		return nil
	}
	tree := p.spec.Services()
	if tree == nil {
		return nil
	}
	if t := tree.Characteristic(c.Handle()); t.Equal(c) {
		return t
	}
	return nil
}

func (p *Peripheral) templateDescriptor(d *gatt.Descriptor) *gatt.Descriptor {
	if d == nil || !p.services.ContainsDescriptor(d) {
		return nil
	}
	tree := p.spec.Services()
	if tree == nil {
		return nil
	}
	if t := tree.Descriptor(d.Handle()); t.Equal(d) {
		return t
	}
	return nil
}

func (p *Peripheral) foreign(op string, handle gatt.Handle) {
	p.manager.logger.WithFields(logrus.Fields{
		"peripheral": p.id,
		"operation":  op,
		"handle":     handle,
	}).Warn("API misuse: attribute was not discovered on this peripheral, ignoring")
}

func matches(uuids []ble.UUID, u ble.UUID) bool {
	return len(uuids) == 0 || device.ContainsUUID(uuids, u)
}

// discoveryDelay models one round trip per discovered attribute.
func (p *Peripheral) discoveryDelay(found int) time.Duration {
	return time.Duration(found) * p.interval()
}

// ----------------------------
// Discovery
// ----------------------------

// DiscoverServices discovers the primary services matching uuids, or all of
// them when uuids is empty. Services found earlier keep their session nodes.
func (p *Peripheral) DiscoverServices(uuids ...ble.UUID) {
	link, ok := p.begin("discoverServices")
	if !ok {
		return
	}
	spec := p.spec

	if err := spec.Handler().OnDiscoverServices(spec, uuids); err != nil {
		p.after(link, p.interval(), nil, func(d device.PeripheralDelegate) { d.DidDiscoverServices(p, err) })
		return
	}

	var found []*gatt.Service
	if tree := spec.Services(); tree != nil {
		for _, s := range tree.Services() {
			if s.IsPrimary() && matches(uuids, s.UUID()) && !p.services.IsTopLevel(s.Handle()) {
				found = append(found, s)
			}
		}
	}

	p.after(link, p.discoveryDelay(len(found)), func() {
		tree := spec.Services()
		for _, s := range found {
			if tree != nil && tree.ContainsService(s) {
				p.services.AddService(s.Copy())
			}
		}
		p.discovered = true
	}, func(d device.PeripheralDelegate) {
		d.DidDiscoverServices(p, nil)
	})
}

// DiscoverIncludedServices discovers the services included by s.
func (p *Peripheral) DiscoverIncludedServices(s *gatt.Service, uuids ...ble.UUID) {
	link, ok := p.begin("discoverIncludedServices")
	if !ok {
		return
	}
	template := p.templateService(s)
	if template == nil {
		p.foreign("discoverIncludedServices", handleOf(s))
		return
	}
	spec := p.spec

	if err := spec.Handler().OnDiscoverIncludedServices(spec, template, uuids); err != nil {
		p.after(link, p.interval(), nil, func(d device.PeripheralDelegate) { d.DidDiscoverIncludedServices(p, s, err) })
		return
	}

	var found []*gatt.Service
	for _, inc := range template.IncludedServices() {
		if matches(uuids, inc.UUID()) && !includes(s, inc.Handle()) {
			found = append(found, inc)
		}
	}

	p.after(link, p.discoveryDelay(len(found)), func() {
		if !p.services.ContainsService(s) {
			return
		}
		for _, inc := range found {
			p.services.AddIncludedService(s, inc.Copy())
		}
	}, func(d device.PeripheralDelegate) {
		d.DidDiscoverIncludedServices(p, s, nil)
	})
}

func includes(s *gatt.Service, h gatt.Handle) bool {
	for _, inc := range s.IncludedServices() {
		if inc.Handle() == h {
			return true
		}
	}
	return false
}

// DiscoverCharacteristics discovers the characteristics of s matching uuids.
func (p *Peripheral) DiscoverCharacteristics(s *gatt.Service, uuids ...ble.UUID) {
	link, ok := p.begin("discoverCharacteristics")
	if !ok {
		return
	}
	template := p.templateService(s)
	if template == nil {
		p.foreign("discoverCharacteristics", handleOf(s))
		return
	}
	spec := p.spec

	if err := spec.Handler().OnDiscoverCharacteristics(spec, template, uuids); err != nil {
		p.after(link, p.interval(), nil, func(d device.PeripheralDelegate) { d.DidDiscoverCharacteristics(p, s, err) })
		return
	}

	var found []*gatt.Characteristic
	for _, c := range template.Characteristics() {
		if matches(uuids, c.UUID()) && s.Characteristic(c.Handle()) == nil {
			found = append(found, c)
		}
	}

	p.after(link, p.discoveryDelay(len(found)), func() {
		if !p.services.ContainsService(s) {
			return
		}
		for _, c := range found {
			p.services.AddCharacteristic(s, c.Copy())
		}
	}, func(d device.PeripheralDelegate) {
		d.DidDiscoverCharacteristics(p, s, nil)
	})
}

// DiscoverDescriptors discovers every descriptor of c.
func (p *Peripheral) DiscoverDescriptors(c *gatt.Characteristic) {
	link, ok := p.begin("discoverDescriptors")
	if !ok {
		return
	}
	template := p.templateCharacteristic(c)
	if template == nil {
		p.foreign("discoverDescriptors", handleOf(c))
		return
	}
	spec := p.spec

	if err := spec.Handler().OnDiscoverDescriptors(spec, template); err != nil {
		p.after(link, p.interval(), nil, func(d device.PeripheralDelegate) { d.DidDiscoverDescriptors(p, c, err) })
		return
	}

	var found []*gatt.Descriptor
	for _, d := range template.Descriptors() {
		if c.Descriptor(d.Handle()) == nil {
			found = append(found, d)
		}
	}

	p.after(link, p.discoveryDelay(len(found)), func() {
		if !p.services.ContainsCharacteristic(c) {
			return
		}
		for _, d := range found {
			p.services.AddDescriptor(c, d.Copy())
		}
	}, func(d device.PeripheralDelegate) {
		d.DidDiscoverDescriptors(p, c, nil)
	})
}

// ----------------------------
// Reads and writes
// ----------------------------

// ReadCharacteristic reads c; the value is stored into c before the update
// callback fires.
func (p *Peripheral) ReadCharacteristic(c *gatt.Characteristic) {
	link, ok := p.begin("readCharacteristic")
	if !ok {
		return
	}
	template := p.templateCharacteristic(c)
	if template == nil {
		p.foreign("readCharacteristic", handleOf(c))
		return
	}

	value, err := p.spec.Handler().OnRead(p.spec, template)
	p.after(link, p.interval(), func() {
		if err == nil {
			c.SetValue(value)
		}
	}, func(d device.PeripheralDelegate) {
		d.DidUpdateValueForCharacteristic(p, c, err)
	})
}

// ReadDescriptor reads d; the value is stored into d before the callback.
func (p *Peripheral) ReadDescriptor(d *gatt.Descriptor) {
	link, ok := p.begin("readDescriptor")
	if !ok {
		return
	}
	template := p.templateDescriptor(d)
	if template == nil {
		p.foreign("readDescriptor", handleOf(d))
		return
	}

	value, err := p.spec.Handler().OnReadDescriptor(p.spec, template)
	p.after(link, p.interval(), func() {
		if err == nil {
			d.SetValue(value)
		}
	}, func(del device.PeripheralDelegate) {
		del.DidUpdateValueForDescriptor(p, d, err)
	})
}

// WriteCharacteristic writes data to c. An acknowledged write completes after
// one connection interval per MTU-sized fragment. A write without response
// consumes a flow control credit and is dropped while none is left.
func (p *Peripheral) WriteCharacteristic(data []byte, c *gatt.Characteristic, t device.WriteType) {
	link, ok := p.begin("writeCharacteristic")
	if !ok {
		return
	}
	template := p.templateCharacteristic(c)
	if template == nil {
		p.foreign("writeCharacteristic", handleOf(c))
		return
	}

	if t == device.WriteWithoutResponse {
		p.writeCommand(link, template, data)
		return
	}

	if len(data) > device.MaxAttributeValueLength {
		p.after(link, p.interval(), nil, func(d device.PeripheralDelegate) {
			d.DidWriteValueForCharacteristic(p, c, device.ATTErrorInvalidAttributeValueLength)
		})
		return
	}

	delay := p.interval()
	err := p.spec.Handler().OnWrite(p.spec, template, data)
	if err == nil {
		delay = p.interval() * time.Duration(fragments(len(data), p.spec.MTU()))
	}

	p.manager.logger.WithFields(logrus.Fields{
		"peripheral": p.id,
		"char_uuid":  device.UUIDString(c.UUID()),
		"bytes":      len(data),
		"delay":      delay,
		"error":      err,
	}).Debug("Characteristic write")

	p.after(link, delay, nil, func(d device.PeripheralDelegate) {
		d.DidWriteValueForCharacteristic(p, c, err)
	})
}

// fragments is the number of ATT packets needed for n bytes at mtu.
func fragments(n, mtu int) int {
	payload := mtu - 3
	return max(1, (n+payload-1)/payload)
}

func (p *Peripheral) writeCommand(link uint64, template *gatt.Characteristic, data []byte) {
	m := p.manager
	if limit := p.spec.MTU() - 3; len(data) > limit {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"bytes":      len(data),
			"limit":      limit,
		}).Warn("API misuse: write without response exceeds the maximum write length, ignoring")
		return
	}

	m.mu.Lock()
	if p.credits == 0 {
		m.mu.Unlock()
		m.logger.WithField("peripheral", p.id).Debug("No write credits left, write dropped")
		return
	}
	p.credits--
	if p.credits == 0 {
		p.canSend = false
	}
	m.mu.Unlock()

	p.spec.Handler().OnWriteCommand(p.spec, template, data)

	m.queue.Async(func() {
		m.mu.Lock()
		if p.state != device.PeripheralStateConnected || p.link != link {
			m.mu.Unlock()
			return
		}
		p.credits++
		ready := !p.canSend
		p.canSend = true
		delegate := p.delegateLocked()
		m.mu.Unlock()

		if ready {
			delegate.IsReadyToSendWriteWithoutResponse(p)
		}
	})
}

// WriteDescriptor writes data to d.
func (p *Peripheral) WriteDescriptor(data []byte, d *gatt.Descriptor) {
	link, ok := p.begin("writeDescriptor")
	if !ok {
		return
	}
	template := p.templateDescriptor(d)
	if template == nil {
		p.foreign("writeDescriptor", handleOf(d))
		return
	}

	var err error
	if len(data) > device.MaxAttributeValueLength {
		err = device.ATTErrorInvalidAttributeValueLength
	} else {
		err = p.spec.Handler().OnWriteDescriptor(p.spec, template, data)
	}

	p.after(link, p.interval(), func() {
		if err == nil {
			d.SetValue(data)
		}
	}, func(del device.PeripheralDelegate) {
		del.DidWriteValueForDescriptor(p, d, err)
	})
}

// SetNotifyValue enables or disables notifications for c. Requesting the
// current state is a no-op. On success the session's client configuration
// descriptor follows the new state.
func (p *Peripheral) SetNotifyValue(enabled bool, c *gatt.Characteristic) {
	link, ok := p.begin("setNotifyValue")
	if !ok {
		return
	}
	template := p.templateCharacteristic(c)
	if template == nil {
		p.foreign("setNotifyValue", handleOf(c))
		return
	}
	if c.IsNotifying() == enabled {
		return
	}

	err := p.spec.Handler().OnSetNotify(p.spec, template, enabled)
	p.after(link, p.interval(), func() {
		if err != nil {
			return
		}
		c.SetNotifying(enabled)
		if cccd := c.DescriptorByUUID(gatt.DescriptorClientConfig); cccd != nil {
			cccd.SetValue(gatt.ClientConfigFor(c, enabled).Bytes())
		}
	}, func(d device.PeripheralDelegate) {
		d.DidUpdateNotificationState(p, c, err)
	})
}

// ReadRSSI reports the current signal strength on the next queue turn.
func (p *Peripheral) ReadRSSI() {
	link, ok := p.begin("readRSSI")
	if !ok {
		return
	}
	rssi := p.manager.adapter.RSSI(p.spec.Proximity())
	p.after(link, 0, nil, func(d device.PeripheralDelegate) { d.DidReadRSSI(p, rssi, nil) })
}

// ----------------------------
// Peripheral-initiated updates
// ----------------------------

// PeripheralValueUpdated pushes a new value of template to the session when it
// has notifications enabled on the characteristic.
func (m *Manager) PeripheralValueUpdated(spec *peripheral.Specification, template *gatt.Characteristic) {
	p := m.existingSession(spec)
	if p == nil {
		return
	}
	c := p.services.Characteristic(template.Handle())
	if c == nil || !c.IsNotifying() {
		return
	}

	m.mu.Lock()
	state, link := p.state, p.link
	m.mu.Unlock()
	if state != device.PeripheralStateConnected {
		return
	}

	value := template.Value()
	p.after(link, p.interval(), func() {
		if c.IsNotifying() {
			c.SetValue(value)
		}
	}, func(d device.PeripheralDelegate) {
		d.DidUpdateValueForCharacteristic(p, c, nil)
	})
}

// PeripheralServicesChanged drops discovered services that no longer exist
// and tells the session about them and about a new device name.
func (m *Manager) PeripheralServicesChanged(spec *peripheral.Specification, nameChanged bool) {
	p := m.existingSession(spec)
	if p == nil {
		return
	}

	m.mu.Lock()
	state, link := p.state, p.link
	m.mu.Unlock()
	if state != device.PeripheralStateConnected {
		return
	}

	tree := spec.Services()
	var invalidated []*gatt.Service
	for _, s := range p.services.Services() {
		if tree == nil || !tree.Service(s.Handle()).Equal(s) {
			invalidated = append(invalidated, p.services.RemoveService(s.Handle()))
		}
	}

	m.logger.WithFields(logrus.Fields{
		"peripheral":   p.id,
		"invalidated":  len(invalidated),
		"name_changed": nameChanged,
	}).Debug("Peripheral services changed")

	p.after(link, 0, nil, func(d device.PeripheralDelegate) {
		if nameChanged {
			d.DidUpdateName(p)
		}
		if len(invalidated) > 0 {
			d.DidModifyServices(p, invalidated)
		}
	})
}

// handleOf tolerates nil attributes in log fields.
func handleOf[T interface{ Handle() gatt.Handle }](a T) gatt.Handle {
	var zero T
	if any(a) == any(zero) {
		return 0
	}
	return a.Handle()
}
