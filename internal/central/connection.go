package central

import (
	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/peripheral"
)

// Connect starts connecting to p. The attempt completes one connection
// interval after the peripheral's handler accepted or rejected it. While the
// peripheral is out of range or not connectable the attempt stays pending
// until it becomes reachable or is cancelled.
func (m *Manager) Connect(dp device.Peripheral, _ *device.ConnectOptions) {
	p, ok := m.own(dp, "connect")
	if !ok || !m.ensurePoweredOn("connect") {
		return
	}

	m.mu.Lock()
	if p.state != device.PeripheralStateDisconnected {
		state := p.state
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"state":      state,
		}).Debug("Connect ignored, session is not disconnected")
		return
	}
	p.state = device.PeripheralStateConnecting
	m.mu.Unlock()

	m.attemptConnection(p)
}

// attemptConnection asks the peripheral for a link if it is reachable.
func (m *Manager) attemptConnection(p *Peripheral) {
	spec := p.spec

	m.mu.Lock()
	if p.state != device.PeripheralStateConnecting || p.attemptPending {
		m.mu.Unlock()
		return
	}
	if !spec.IsConnectable() || !spec.Proximity().InRange() {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"peripheral":  p.id,
			"connectable": spec.IsConnectable(),
			"proximity":   spec.Proximity(),
		}).Debug("Peripheral unreachable, connection attempt pending")
		return
	}
	p.attempt++
	p.attemptPending = true
	attempt := p.attempt
	m.mu.Unlock()

	err := spec.Handler().OnConnect(spec)

	t := m.sched.After(m.queue, spec.ConnectionInterval(), func() {
		m.completeConnection(p, attempt, err)
	})

	m.mu.Lock()
	if p.attempt == attempt && p.attemptPending {
		p.connectTimer = t
	} else {
		t.Stop()
	}
	m.mu.Unlock()
}

func (m *Manager) completeConnection(p *Peripheral, attempt uint64, err error) {
	spec := p.spec

	m.mu.Lock()
	if p.state != device.PeripheralStateConnecting || p.attempt != attempt {
		m.mu.Unlock()
		return
	}
	p.attemptPending = false
	p.connectTimer = nil

	if !spec.Proximity().InRange() {
		// moved away while the request was in flight
		m.mu.Unlock()
		return
	}

	delegate := m.delegateLocked()
	if err != nil {
		p.state = device.PeripheralStateDisconnected
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"error":      err,
		}).Debug("Connection rejected by peripheral")
		delegate.DidFailToConnect(m, p, err)
		return
	}

	p.state = device.PeripheralStateConnected
	p.link++
	p.everConnected = true
	p.credits = m.adapter.Config().Simulation.WriteCredits
	p.canSend = true
	connections := spec.AddConnection()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peripheral":          p.id,
		"virtual_connections": connections,
	}).Debug("Peripheral connected")
	delegate.DidConnect(m, p)
}

// CancelPeripheralConnection abandons a pending attempt immediately or closes
// an established link after one connection interval.
func (m *Manager) CancelPeripheralConnection(dp device.Peripheral) {
	p, ok := m.own(dp, "cancelPeripheralConnection")
	if !ok || !m.ensurePoweredOn("cancelPeripheralConnection") {
		return
	}

	m.mu.Lock()
	switch p.state {
	case device.PeripheralStateConnecting:
		p.attempt++
		p.attemptPending = false
		p.connectTimer.Stop()
		p.connectTimer = nil
		p.state = device.PeripheralStateDisconnected
		m.mu.Unlock()

		m.queue.Async(func() { m.currentDelegate().DidDisconnect(m, p, nil) })

	case device.PeripheralStateConnected:
		p.state = device.PeripheralStateDisconnecting
		link := p.link
		m.mu.Unlock()

		m.sched.After(m.queue, p.spec.ConnectionInterval(), func() {
			m.completeDisconnection(p, link)
		})

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) completeDisconnection(p *Peripheral, link uint64) {
	m.mu.Lock()
	if p.state != device.PeripheralStateDisconnecting || p.link != link {
		m.mu.Unlock()
		return
	}
	p.dropLinkLocked()
	remaining := p.spec.RemoveConnection()
	delegate := m.delegateLocked()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peripheral":          p.id,
		"virtual_connections": remaining,
	}).Debug("Peripheral disconnected")

	if remaining == 0 {
		p.spec.Handler().OnDisconnect(p.spec, nil)
	}
	delegate.DidDisconnect(m, p, nil)
}

// ----------------------------
// Adapter events
// ----------------------------

// AdapterStateChanged stops all activity when the radio leaves poweredOn and
// reports the new state on the manager's queue.
func (m *Manager) AdapterStateChanged(from, to device.ManagerState) {
	if from == device.ManagerStatePoweredOn {
		m.mu.Lock()
		m.stopScanLocked()
		m.sessions.Range(func(_ string, p *Peripheral) bool {
			p.resetLocked()
			return true
		})
		m.sessions = hashmap.New[string, *Peripheral]()
		m.mu.Unlock()
	}
	m.queue.Async(func() { m.reportState(to) })
}

// PeripheralLost moves every live link of spec to disconnected with err.
func (m *Manager) PeripheralLost(spec *peripheral.Specification, err error) {
	m.mu.Lock()
	p, ok := m.sessions.Get(spec.Identifier().String())
	if !ok || p.spec != spec ||
		(p.state != device.PeripheralStateConnected && p.state != device.PeripheralStateDisconnecting) {
		m.mu.Unlock()
		return
	}
	p.dropLinkLocked()
	m.mu.Unlock()

	m.queue.Async(func() { m.currentDelegate().DidDisconnect(m, p, err) })
}

// PeripheralProximityChanged resumes pending connection attempts and
// reschedules scanning.
func (m *Manager) PeripheralProximityChanged(spec *peripheral.Specification, _ peripheral.Proximity) {
	m.restartScan(spec)

	if !spec.Proximity().InRange() {
		return
	}
	if p := m.existingSession(spec); p != nil && p.State() == device.PeripheralStateConnecting {
		m.attemptConnection(p)
	}
}

// PeripheralAdvertisementChanged reschedules scanning.
func (m *Manager) PeripheralAdvertisementChanged(spec *peripheral.Specification) {
	m.restartScan(spec)
}

// PeripheralIdentifierChanged forgets the session under the old address.
func (m *Manager) PeripheralIdentifierChanged(spec *peripheral.Specification, old uuid.UUID) {
	m.mu.Lock()
	if p, ok := m.sessions.Get(old.String()); ok && p.spec == spec && p.state == device.PeripheralStateDisconnected {
		p.resetLocked()
		m.sessions.Del(old.String())
	}
	m.mu.Unlock()

	m.restartScan(spec)
}
