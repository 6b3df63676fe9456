package adapter

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var _ peripheral.Observer = (*Adapter)(nil)

// PeripheralDisconnected drops every link of p once the link loss becomes
// observable: one connection interval for a regular disconnection, the
// supervision timeout when the link timed out.
func (a *Adapter) PeripheralDisconnected(p *peripheral.Specification, err error) {
	delay := p.ConnectionInterval()
	if errors.Is(err, device.CBErrorConnectionTimeout) {
		delay = a.SupervisionTimeout()
	}

	a.logger.WithFields(logrus.Fields{
		"peripheral": p.Identifier(),
		"error":      err,
		"delay":      delay,
	}).Debug("Scheduling peripheral disconnection")

	a.sched.After(a.queue, delay, func() {
		if !p.IsConnected() {
			return
		}
		for _, o := range a.observers() {
			o.PeripheralLost(p, err)
		}
		p.ResetConnections()
		p.Handler().OnDisconnect(p, err)

		a.logger.WithField("peripheral", p.Identifier()).Debug("Peripheral disconnected")
	})
}

func (a *Adapter) PeripheralProximityChanged(p *peripheral.Specification, from peripheral.Proximity) {
	for _, o := range a.observers() {
		o.PeripheralProximityChanged(p, from)
	}
}

func (a *Adapter) PeripheralServicesChanged(p *peripheral.Specification, nameChanged bool) {
	for _, o := range a.observers() {
		o.PeripheralServicesChanged(p, nameChanged)
	}
}

func (a *Adapter) PeripheralAdvertisementChanged(p *peripheral.Specification) {
	for _, o := range a.observers() {
		o.PeripheralAdvertisementChanged(p)
	}
}

func (a *Adapter) PeripheralValueUpdated(p *peripheral.Specification, c *gatt.Characteristic) {
	for _, o := range a.observers() {
		o.PeripheralValueUpdated(p, c)
	}
}

// PeripheralIdentifierChanged re-keys p in the registry, keeping its position.
func (a *Adapter) PeripheralIdentifierChanged(p *peripheral.Specification, old uuid.UUID) {
	a.mu.Lock()
	if _, ok := a.peripherals.Get(old); ok {
		next := orderedmap.New[uuid.UUID, *peripheral.Specification]()
		for pair := a.peripherals.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Key == old {
				next.Set(p.Identifier(), p)
				continue
			}
			next.Set(pair.Key, pair.Value)
		}
		a.peripherals = next
	}
	observers := a.observersLocked()
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"old": old,
		"new": p.Identifier(),
	}).Debug("Peripheral identifier changed")

	for _, o := range observers {
		o.PeripheralIdentifierChanged(p, old)
	}
}
