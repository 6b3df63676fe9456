package testutils

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

// Event is one delegate callback as observed by a recorder.
type Event struct {
	At         time.Duration
	Name       string
	Peripheral uuid.UUID
	// Attribute is the normalized UUID of the service, characteristic or
	// descriptor the callback is about.
	Attribute string
	Value     []byte
	RSSI      int
	State     string
	Err       error
}

// Clock reports the time elapsed since the simulation started.
type Clock func() time.Duration

type eventLog struct {
	clock Clock

	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	if l.clock != nil {
		e.At = l.clock()
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns every recorded event, oldest first.
func (l *eventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Names returns the callback names in order.
func (l *eventLog) Names() []string {
	var names []string
	for _, e := range l.Events() {
		names = append(names, e.Name)
	}
	return names
}

// Filter returns the events called name.
func (l *eventLog) Filter(name string) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) Count(name string) int { return len(l.Filter(name)) }

// Last returns the newest event called name.
func (l *eventLog) Last(name string) (Event, bool) {
	events := l.Filter(name)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}

func (l *eventLog) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

// ----------------------------
// Central manager delegate
// ----------------------------

// CentralRecorder records central manager callbacks and remembers every
// peripheral handle it was given.
type CentralRecorder struct {
	eventLog

	mu          sync.Mutex
	peripherals map[uuid.UUID]device.Peripheral
	ads         map[uuid.UUID]*device.AdvertisementData
}

var _ device.CentralManagerDelegate = (*CentralRecorder)(nil)

func NewCentralRecorder(clock Clock) *CentralRecorder {
	return &CentralRecorder{
		eventLog:    eventLog{clock: clock},
		peripherals: make(map[uuid.UUID]device.Peripheral),
		ads:         make(map[uuid.UUID]*device.AdvertisementData),
	}
}

func (r *CentralRecorder) remember(p device.Peripheral) {
	r.mu.Lock()
	r.peripherals[p.Identifier()] = p
	r.mu.Unlock()
}

// Peripheral returns the handle last delivered for id.
func (r *CentralRecorder) Peripheral(id uuid.UUID) (device.Peripheral, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals[id]
	return p, ok
}

// Advertisement returns the last advertisement delivered for id.
func (r *CentralRecorder) Advertisement(id uuid.UUID) *device.AdvertisementData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ads[id]
}

func (r *CentralRecorder) DidUpdateState(m device.CentralManager) {
	r.add(Event{Name: "DidUpdateState", State: m.State().String()})
}

func (r *CentralRecorder) DidDiscoverPeripheral(_ device.CentralManager, p device.Peripheral, adv *device.AdvertisementData, rssi int) {
	r.remember(p)
	r.mu.Lock()
	r.ads[p.Identifier()] = adv
	r.mu.Unlock()

	e := Event{Name: "DidDiscoverPeripheral", Peripheral: p.Identifier(), RSSI: rssi}
	if name, ok := p.Name(); ok {
		e.Value = []byte(name)
	}
	r.add(e)
}

func (r *CentralRecorder) DidConnect(_ device.CentralManager, p device.Peripheral) {
	r.remember(p)
	r.add(Event{Name: "DidConnect", Peripheral: p.Identifier()})
}

func (r *CentralRecorder) DidFailToConnect(_ device.CentralManager, p device.Peripheral, err error) {
	r.add(Event{Name: "DidFailToConnect", Peripheral: p.Identifier(), Err: err})
}

func (r *CentralRecorder) DidDisconnect(_ device.CentralManager, p device.Peripheral, err error) {
	r.add(Event{Name: "DidDisconnect", Peripheral: p.Identifier(), Err: err})
}

// ----------------------------
// Peripheral delegate
// ----------------------------

// PeripheralRecorder records GATT callbacks. Values are copied at delivery.
type PeripheralRecorder struct {
	eventLog
}

var _ device.PeripheralDelegate = (*PeripheralRecorder)(nil)

func NewPeripheralRecorder(clock Clock) *PeripheralRecorder {
	return &PeripheralRecorder{eventLog: eventLog{clock: clock}}
}

func attr(u interface{ String() string }) string { return device.NormalizeUUID(u.String()) }

func (r *PeripheralRecorder) DidUpdateName(p device.Peripheral) {
	e := Event{Name: "DidUpdateName", Peripheral: p.Identifier()}
	if name, ok := p.Name(); ok {
		e.Value = []byte(name)
	}
	r.add(e)
}

func (r *PeripheralRecorder) DidModifyServices(p device.Peripheral, invalidated []*gatt.Service) {
	for _, s := range invalidated {
		r.add(Event{Name: "DidModifyServices", Peripheral: p.Identifier(), Attribute: attr(s.UUID())})
	}
	if len(invalidated) == 0 {
		r.add(Event{Name: "DidModifyServices", Peripheral: p.Identifier()})
	}
}

func (r *PeripheralRecorder) DidReadRSSI(p device.Peripheral, rssi int, err error) {
	r.add(Event{Name: "DidReadRSSI", Peripheral: p.Identifier(), RSSI: rssi, Err: err})
}

func (r *PeripheralRecorder) DidDiscoverServices(p device.Peripheral, err error) {
	r.add(Event{Name: "DidDiscoverServices", Peripheral: p.Identifier(), Err: err})
}

func (r *PeripheralRecorder) DidDiscoverIncludedServices(p device.Peripheral, s *gatt.Service, err error) {
	r.add(Event{Name: "DidDiscoverIncludedServices", Peripheral: p.Identifier(), Attribute: attr(s.UUID()), Err: err})
}

func (r *PeripheralRecorder) DidDiscoverCharacteristics(p device.Peripheral, s *gatt.Service, err error) {
	r.add(Event{Name: "DidDiscoverCharacteristics", Peripheral: p.Identifier(), Attribute: attr(s.UUID()), Err: err})
}

func (r *PeripheralRecorder) DidDiscoverDescriptors(p device.Peripheral, c *gatt.Characteristic, err error) {
	r.add(Event{Name: "DidDiscoverDescriptors", Peripheral: p.Identifier(), Attribute: attr(c.UUID()), Err: err})
}

func (r *PeripheralRecorder) DidUpdateValueForCharacteristic(p device.Peripheral, c *gatt.Characteristic, err error) {
	r.add(Event{Name: "DidUpdateValueForCharacteristic", Peripheral: p.Identifier(), Attribute: attr(c.UUID()), Value: c.Value(), Err: err})
}

func (r *PeripheralRecorder) DidUpdateValueForDescriptor(p device.Peripheral, d *gatt.Descriptor, err error) {
	r.add(Event{Name: "DidUpdateValueForDescriptor", Peripheral: p.Identifier(), Attribute: attr(d.UUID()), Value: d.Value(), Err: err})
}

func (r *PeripheralRecorder) DidWriteValueForCharacteristic(p device.Peripheral, c *gatt.Characteristic, err error) {
	r.add(Event{Name: "DidWriteValueForCharacteristic", Peripheral: p.Identifier(), Attribute: attr(c.UUID()), Err: err})
}

func (r *PeripheralRecorder) DidWriteValueForDescriptor(p device.Peripheral, d *gatt.Descriptor, err error) {
	r.add(Event{Name: "DidWriteValueForDescriptor", Peripheral: p.Identifier(), Attribute: attr(d.UUID()), Err: err})
}

func (r *PeripheralRecorder) DidUpdateNotificationState(p device.Peripheral, c *gatt.Characteristic, err error) {
	r.add(Event{Name: "DidUpdateNotificationState", Peripheral: p.Identifier(), Attribute: attr(c.UUID()), Err: err})
}

func (r *PeripheralRecorder) IsReadyToSendWriteWithoutResponse(p device.Peripheral) {
	r.add(Event{Name: "IsReadyToSendWriteWithoutResponse", Peripheral: p.Identifier()})
}
