package scanner

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/central"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/ringchan"
	"github.com/srg/blesim/internal/scheduler"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// Device is a snapshot of everything the scan learned about one peripheral.
type Device struct {
	ID            uuid.UUID
	Name          string
	RSSI          int
	Advertisement *device.AdvertisementData
	FirstSeen     time.Time
	LastSeen      time.Time
	Packets       int
}

// Address is the identifier in the form the CLI prints and filters on.
func (d Device) Address() string { return d.ID.String() }

// Connectable reports whether the last packet invited connections.
func (d Device) Connectable() bool {
	return d.Advertisement != nil && d.Advertisement.IsConnectable
}

// BLE exposes the last packet as a go-ble advertisement.
func (d Device) BLE() blelib.Advertisement {
	adv := d.Advertisement
	if adv == nil {
		adv = &device.AdvertisementData{}
	}
	return adv.BLE(d.Address(), d.RSSI)
}

// Scanner handles BLE device discovery against a simulated adapter.
type Scanner struct {
	adapter *adapter.Adapter
	sched   scheduler.Scheduler
	queue   scheduler.Queue
	manager *central.Manager
	devices *hashmap.Map[string, *Device]
	events  *ringchan.Channel[DeviceEvent]
	logger  *logrus.Logger

	mu          sync.Mutex
	scanOptions *ScanOptions
	deadline    *scheduler.Timer
	done        chan struct{}
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds Scan. Zero scans until the context ends.
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []blelib.UUID
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a scanner with its own central manager on a.
func NewScanner(a *adapter.Adapter, logger *logrus.Logger) (*Scanner, error) {
	if a == nil {
		return nil, fmt.Errorf("scanner needs an adapter")
	}
	if logger == nil {
		logger = a.Logger()
	}

	s := &Scanner{
		adapter: a,
		sched:   a.Scheduler(),
		devices: hashmap.New[string, *Device](),
		events:  ringchan.New[DeviceEvent](100),
		logger:  logger,
	}
	s.queue = s.sched.NewQueue("scanner")
	s.manager = central.NewManager(a, &delegate{s: s}, &central.Options{Queue: s.queue, Name: "scanner"})
	return s, nil
}

// Manager is the central the scanner discovers with. Sessions it reports can
// be connected through it.
func (s *Scanner) Manager() *central.Manager { return s.manager }

// Start begins collecting advertisements. A running scan is replaced and the
// device map cleared. The scan starts once the radio reports poweredOn.
func (s *Scanner) Start(opts *ScanOptions) {
	if opts == nil {
		opts = DefaultScanOptions()
	}

	s.mu.Lock()
	s.stopLocked()
	s.devices = hashmap.New[string, *Device]()
	s.scanOptions = opts
	s.done = make(chan struct{})
	done := s.done
	if opts.Duration > 0 {
		s.deadline = s.sched.After(s.queue, opts.Duration, func() { s.finish(done) })
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration":        opts.Duration,
		"services":        len(opts.ServiceUUIDs),
		"allow_duplicate": !opts.DuplicateFilter,
	}).Info("Starting BLE scan...")

	s.queue.Async(s.startIfPowered)
}

func (s *Scanner) startIfPowered() {
	s.mu.Lock()
	opts := s.scanOptions
	s.mu.Unlock()
	if opts == nil || s.manager.State() != device.ManagerStatePoweredOn {
		return
	}
	s.manager.ScanForPeripherals(opts.ServiceUUIDs, &device.ScanOptions{AllowDuplicates: !opts.DuplicateFilter})
}

func (s *Scanner) finish(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == done {
		s.stopLocked()
	}
}

// Stop ends the scan and returns what it found.
func (s *Scanner) Stop() map[string]Device {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	return s.Devices()
}

func (s *Scanner) stopLocked() {
	if s.scanOptions == nil {
		return
	}
	s.scanOptions = nil
	s.deadline.Stop()
	s.deadline = nil
	close(s.done)
	if s.manager.IsScanning() {
		s.manager.StopScan()
	}
	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
}

// Done is closed when the current scan ends.
func (s *Scanner) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Scan performs BLE discovery with provided options and blocks until the
// duration elapses on the simulation clock or ctx ends.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]Device, error) {
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	progressCallback("Scanning")
	s.Start(opts)

	select {
	case <-ctx.Done():
	case <-s.Done():
	}

	progressCallback("Processing results")
	return s.Stop(), nil
}

// Devices returns a snapshot of discovered devices keyed by address.
func (s *Scanner) Devices() map[string]Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Device, s.devices.Len())
	s.devices.Range(func(key string, value *Device) bool {
		out[key] = *value
		return true
	})
	return out
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Close releases the scanner's manager.
func (s *Scanner) Close() {
	s.Stop()
	s.manager.Close()
	s.queue.Close()
	s.events.Close()
}

// handleDiscovery updates existing or adds a new device
func (s *Scanner) handleDiscovery(p device.Peripheral, adv *device.AdvertisementData, rssi int) {
	s.mu.Lock()
	opts := s.scanOptions
	devices := s.devices
	s.mu.Unlock()
	if opts == nil {
		return
	}

	id := p.Identifier().String()
	now := s.sched.Now()
	name, ok := p.Name()
	if !ok && adv != nil {
		name = adv.LocalName
	}

	dev, existing := devices.Get(id)
	if !existing {
		if !s.shouldIncludeDevice(id, adv, opts) {
			return
		}
		dev, existing = devices.GetOrInsert(id, &Device{ID: p.Identifier(), FirstSeen: now})
	}

	s.mu.Lock()
	dev.Name = name
	dev.RSSI = rssi
	dev.Advertisement = adv
	dev.LastSeen = now
	dev.Packets++
	event := DeviceEvent{Device: *dev}
	s.mu.Unlock()

	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": id,
			"rssi":    rssi,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.Send(event)
}

// shouldIncludeDevice applies to allow/block/service filters
func (s *Scanner) shouldIncludeDevice(addr string, adv *device.AdvertisementData, opts *ScanOptions) bool {
	if slices.Contains(opts.BlockList, addr) {
		return false
	}
	if len(opts.AllowList) > 0 && !slices.Contains(opts.AllowList, addr) {
		return false
	}
	return adv.Advertises(opts.ServiceUUIDs)
}

type delegate struct {
	device.NopCentralManagerDelegate
	s *Scanner
}

func (d *delegate) DidUpdateState(m device.CentralManager) {
	d.s.logger.WithField("state", m.State()).Debug("Scanner radio state")
	if m.State() == device.ManagerStatePoweredOn {
		d.s.startIfPowered()
	}
}

func (d *delegate) DidDiscoverPeripheral(_ device.CentralManager, p device.Peripheral, adv *device.AdvertisementData, rssi int) {
	d.s.handleDiscovery(p, adv, rssi)
}
