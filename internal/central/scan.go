package central

import (
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scheduler"
)

// scanState is an active scan. Every advertising packet in range gets its own
// timer; without duplicates a packet timer stops after its first report.
type scanState struct {
	services []ble.UUID
	opts     device.ScanOptions
	packets  map[*peripheral.Specification][]*packet
}

type packet struct {
	ad    *peripheral.Advertisement
	timer *scheduler.Timer
}

// ScanForPeripherals starts reporting advertising packets that carry one of
// services, or every packet when services is empty. A running scan is
// replaced.
func (m *Manager) ScanForPeripherals(services []ble.UUID, opts *device.ScanOptions) {
	if !m.ensurePoweredOn("scanForPeripherals") {
		return
	}
	if opts == nil {
		opts = &device.ScanOptions{}
	}

	m.mu.Lock()
	m.stopScanLocked()
	m.scan = &scanState{
		services: append([]ble.UUID(nil), services...),
		opts:     *opts,
		packets:  make(map[*peripheral.Specification][]*packet),
	}
	specs := m.adapter.Peripherals()
	for _, spec := range specs {
		m.schedulePacketsLocked(spec)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"manager":          m.name,
		"services":         len(services),
		"allow_duplicates": opts.AllowDuplicates,
		"peripherals":      len(specs),
	}).Debug("Scan started")
}

// StopScan cancels every pending advertising report.
func (m *Manager) StopScan() {
	if !m.ensurePoweredOn("stopScan") {
		return
	}
	m.mu.Lock()
	m.stopScanLocked()
	m.mu.Unlock()
}

func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan != nil
}

func (m *Manager) stopScanLocked() {
	if m.scan == nil {
		return
	}
	for _, packets := range m.scan.packets {
		for _, pk := range packets {
			pk.timer.Stop()
		}
	}
	m.scan = nil
	m.logger.WithField("manager", m.name).Debug("Scan stopped")
}

// restartScan reschedules the packets of spec after it moved or changed its
// advertising.
func (m *Manager) restartScan(spec *peripheral.Specification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scan == nil {
		return
	}
	for _, pk := range m.scan.packets[spec] {
		pk.timer.Stop()
	}
	delete(m.scan.packets, spec)
	m.schedulePacketsLocked(spec)
}

func (m *Manager) schedulePacketsLocked(spec *peripheral.Specification) {
	if !spec.Proximity().InRange() {
		return
	}

	scan := m.scan
	var packets []*packet
	for _, ad := range spec.Advertisements() {
		if !ad.Data.Advertises(scan.services) {
			continue
		}
		pk := &packet{ad: ad}
		fire := func() { m.reportPacket(scan, spec, pk) }
		if ad.IsOneShot() {
			pk.timer = m.sched.After(m.queue, ad.Delay, fire)
		} else {
			pk.timer = m.sched.Every(m.queue, ad.Delay, ad.Interval, fire)
		}
		packets = append(packets, pk)
	}
	if len(packets) > 0 {
		scan.packets[spec] = packets
	}
}

// reportPacket delivers one received advertising packet.
func (m *Manager) reportPacket(scan *scanState, spec *peripheral.Specification, pk *packet) {
	m.mu.Lock()
	ad := pk.ad
	if m.scan != scan || pk.timer.Stopped() {
		m.mu.Unlock()
		return
	}
	if !spec.Proximity().InRange() || (spec.IsConnected() && !ad.VisibleWhenConnected) {
		m.mu.Unlock()
		return
	}
	if !scan.opts.AllowDuplicates {
		pk.timer.Stop()
	}
	p := m.sessionLocked(spec)
	delegate := m.delegateLocked()
	m.mu.Unlock()

	data := ad.Data.Clone()
	rssi := m.adapter.RSSI(spec.Proximity())

	m.logger.WithFields(logrus.Fields{
		"manager":    m.name,
		"peripheral": p.id,
		"rssi":       rssi,
		"local_name": data.LocalName,
	}).Debug("Advertisement received")
	delegate.DidDiscoverPeripheral(m, p, data, rssi)

	// the name becomes visible from the next report on
	m.mu.Lock()
	p.scanned = true
	if data.LocalName != "" {
		p.advertisedName, p.hasAdvertised = data.LocalName, true
	}
	m.mu.Unlock()
}
