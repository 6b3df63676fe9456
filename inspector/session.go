package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/ringchan"
)

// Notification is one value pushed by a subscribed characteristic.
type Notification struct {
	Characteristic *gatt.Characteristic
	Value          []byte
	At             time.Time
}

// Session is a connection to one peripheral. Operations run one at a time;
// each blocks until the peripheral answers, the link drops or ctx ends.
type Session struct {
	in     *Inspector
	p      device.Peripheral
	logger *logrus.Entry

	ops sync.Mutex

	mu            sync.Mutex
	pending       *pending
	subscriptions map[*gatt.Characteristic]*ringchan.Channel[Notification]
	err           error
	connected     chan struct{}
	gone          chan struct{}
	isConnected   bool
	isGone        bool
}

type pending struct {
	op  string
	key any
	ch  chan result
}

type result struct {
	value []byte
	rssi  int
	err   error
}

var _ device.PeripheralDelegate = (*Session)(nil)

func newSession(in *Inspector, p device.Peripheral) *Session {
	return &Session{
		in:            in,
		p:             p,
		logger:        in.logger.WithField("peripheral", p.Identifier()),
		subscriptions: make(map[*gatt.Characteristic]*ringchan.Channel[Notification]),
		connected:     make(chan struct{}),
		gone:          make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID { return s.p.Identifier() }

// Name is the peripheral name, or its identifier while the name is unknown.
func (s *Session) Name() string {
	if name, ok := s.p.Name(); ok {
		return name
	}
	return s.p.Identifier().String()
}

// Peripheral is the underlying session for callers that need the raw API.
func (s *Session) Peripheral() device.Peripheral { return s.p }

// Services returns the discovered services.
func (s *Session) Services() []*gatt.Service { return s.p.Services() }

// MTU is the largest value a write without response can carry.
func (s *Session) MTU() int { return s.p.MaximumWriteValueLength(device.WriteWithoutResponse) + 3 }

// Disconnected is closed once the link is gone.
func (s *Session) Disconnected() <-chan struct{} { return s.gone }

// Err is the reason the link was lost, nil while connected or after a local
// disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isGone
}

func (s *Session) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isConnected && !s.isGone {
		s.isConnected = true
		close(s.connected)
	}
}

func (s *Session) markDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isGone {
		return
	}
	s.isGone = true
	s.err = err
	close(s.gone)
	for c, sub := range s.subscriptions {
		sub.Close()
		delete(s.subscriptions, c)
	}
	s.pending = nil
}

// await registers op, runs issue and waits for the matching completion.
func (s *Session) await(ctx context.Context, op string, key any, issue func()) (result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	ch := make(chan result, 1)
	s.mu.Lock()
	if s.isGone {
		s.mu.Unlock()
		return result{}, fmt.Errorf("%s: %w", op, device.ErrNotConnected)
	}
	s.pending = &pending{op: op, key: key, ch: ch}
	s.mu.Unlock()

	issue()

	select {
	case r := <-ch:
		if r.err != nil {
			return r, fmt.Errorf("%s: %w", op, r.err)
		}
		return r, nil
	case <-s.gone:
		return result{}, fmt.Errorf("%s: %w", op, device.ErrNotConnected)
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending != nil && s.pending.ch == ch {
			s.pending = nil
		}
		s.mu.Unlock()
		return result{}, fmt.Errorf("%s: %w", op, asTimeout(ctx.Err()))
	}
}

// complete hands r to the waiter of op on key. It reports whether one was
// waiting.
func (s *Session) complete(op string, key any, r result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.op != op || s.pending.key != key {
		return false
	}
	s.pending.ch <- r
	s.pending = nil
	return true
}

// ----------------------------
// Discovery
// ----------------------------

// DiscoverAll discovers every service, included service, characteristic and
// descriptor.
func (s *Session) DiscoverAll(ctx context.Context) ([]*gatt.Service, error) {
	if _, err := s.await(ctx, "discover services", nil, func() { s.p.DiscoverServices() }); err != nil {
		return nil, err
	}
	for _, svc := range s.p.Services() {
		if _, err := s.await(ctx, "discover included services", svc, func() { s.p.DiscoverIncludedServices(svc) }); err != nil {
			return nil, err
		}
		if _, err := s.await(ctx, "discover characteristics", svc, func() { s.p.DiscoverCharacteristics(svc) }); err != nil {
			return nil, err
		}
		for _, c := range svc.Characteristics() {
			if _, err := s.await(ctx, "discover descriptors", c, func() { s.p.DiscoverDescriptors(c) }); err != nil {
				return nil, err
			}
		}
	}

	services := s.p.Services()
	s.logger.WithField("services", len(services)).Debug("Discovery complete")
	return services, nil
}

// Characteristic finds a discovered characteristic by service and
// characteristic UUID.
func (s *Session) Characteristic(serviceUUID, charUUID string) (*gatt.Characteristic, error) {
	svcID, err := device.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charID, err := device.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}
	for _, svc := range s.p.Services() {
		if !svc.UUID().Equal(svcID) {
			continue
		}
		for _, c := range svc.Characteristics() {
			if c.UUID().Equal(charID) {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UUIDString(svcID), device.UUIDString(charID)}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{device.UUIDString(svcID)}}
}

// FindCharacteristic looks a characteristic up by UUID alone. The first match
// in discovery order wins.
func (s *Session) FindCharacteristic(charUUID string) (*gatt.Characteristic, error) {
	charID, err := device.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}
	for _, svc := range s.p.Services() {
		for _, c := range svc.Characteristics() {
			if c.UUID().Equal(charID) {
				return c, nil
			}
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UUIDString(charID)}}
}

// ServiceOf returns the discovered service holding c.
func (s *Session) ServiceOf(c *gatt.Characteristic) *gatt.Service {
	for _, svc := range s.p.Services() {
		for _, cc := range svc.Characteristics() {
			if cc == c {
				return svc
			}
		}
	}
	return nil
}

// ----------------------------
// Reads and writes
// ----------------------------

// Read reads the value of c.
func (s *Session) Read(ctx context.Context, c *gatt.Characteristic) ([]byte, error) {
	r, err := s.await(ctx, "read "+device.UUIDString(c.UUID()), c, func() { s.p.ReadCharacteristic(c) })
	return r.value, err
}

// ReadDescriptor reads the value of d.
func (s *Session) ReadDescriptor(ctx context.Context, d *gatt.Descriptor) ([]byte, error) {
	r, err := s.await(ctx, "read descriptor "+device.UUIDString(d.UUID()), d, func() { s.p.ReadDescriptor(d) })
	return r.value, err
}

// Write writes data to c. Without response the call returns once the data is
// handed to the link, waiting for flow control credits when none are left.
func (s *Session) Write(ctx context.Context, c *gatt.Characteristic, data []byte, withResponse bool) error {
	op := "write " + device.UUIDString(c.UUID())
	if withResponse {
		_, err := s.await(ctx, op, c, func() { s.p.WriteCharacteristic(data, c, device.WriteWithResponse) })
		return err
	}

	if limit := s.p.MaximumWriteValueLength(device.WriteWithoutResponse); len(data) > limit {
		return fmt.Errorf("%s: %d bytes exceed %d: %w", op, len(data), limit, device.ATTErrorInvalidAttributeValueLength)
	}
	if c.Properties()&ble.CharWriteNR == 0 {
		return fmt.Errorf("%s: %w", op, device.ATTErrorWriteNotPermitted)
	}
	_, err := s.await(ctx, op, readyKey{}, func() {
		if s.p.CanSendWriteWithoutResponse() {
			s.complete(op, readyKey{}, result{})
		}
	})
	if err != nil {
		return err
	}
	s.p.WriteCharacteristic(data, c, device.WriteWithoutResponse)
	return nil
}

type readyKey struct{}

// WriteDescriptor writes data to d.
func (s *Session) WriteDescriptor(ctx context.Context, d *gatt.Descriptor, data []byte) error {
	_, err := s.await(ctx, "write descriptor "+device.UUIDString(d.UUID()), d, func() { s.p.WriteDescriptor(data, d) })
	return err
}

// ReadRSSI reads the current signal strength.
func (s *Session) ReadRSSI(ctx context.Context) (int, error) {
	r, err := s.await(ctx, "read rssi", nil, func() { s.p.ReadRSSI() })
	return r.rssi, err
}

// ----------------------------
// Notifications
// ----------------------------

// Subscribe enables notifications on c. Values arrive on the returned channel
// until Unsubscribe or disconnect closes it; the oldest value is dropped when
// the reader falls behind by more than buffer values.
func (s *Session) Subscribe(ctx context.Context, c *gatt.Characteristic, buffer int) (<-chan Notification, error) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := ringchan.New[Notification](buffer)
	s.mu.Lock()
	if old := s.subscriptions[c]; old != nil {
		s.mu.Unlock()
		return old.C(), nil
	}
	s.subscriptions[c] = sub
	s.mu.Unlock()

	if c.IsNotifying() {
		return sub.C(), nil
	}
	if _, err := s.setNotify(ctx, c, true); err != nil {
		s.mu.Lock()
		delete(s.subscriptions, c)
		s.mu.Unlock()
		sub.Close()
		return nil, err
	}
	return sub.C(), nil
}

// Unsubscribe disables notifications on c and closes its channel.
func (s *Session) Unsubscribe(ctx context.Context, c *gatt.Characteristic) error {
	s.mu.Lock()
	sub := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	if !c.IsNotifying() {
		return nil
	}
	_, err := s.setNotify(ctx, c, false)
	return err
}

func (s *Session) setNotify(ctx context.Context, c *gatt.Characteristic, enabled bool) (result, error) {
	return s.await(ctx, "notify "+device.UUIDString(c.UUID()), c, func() { s.p.SetNotifyValue(enabled, c) })
}

func (s *Session) deliver(c *gatt.Characteristic) {
	s.mu.Lock()
	sub := s.subscriptions[c]
	s.mu.Unlock()
	if sub == nil {
		s.logger.WithField("char_uuid", device.UUIDString(c.UUID())).Debug("Dropping unsolicited value")
		return
	}
	if dropped := sub.Send(Notification{Characteristic: c, Value: c.Value(), At: time.Now()}); dropped {
		s.logger.WithField("char_uuid", device.UUIDString(c.UUID())).Debug("Notification buffer overflow")
	}
}

// ----------------------------
// Connection
// ----------------------------

// Disconnect cancels the connection and waits for the link to close.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.isDisconnected() {
		return nil
	}
	s.in.manager.CancelPeripheralConnection(s.p)
	select {
	case <-s.gone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect: %w", asTimeout(ctx.Err()))
	}
}

// ----------------------------
// Peripheral delegate
// ----------------------------

func (s *Session) DidUpdateName(p device.Peripheral) {
	name, _ := p.Name()
	s.logger.WithField("name", name).Debug("Peripheral renamed")
}

func (s *Session) DidModifyServices(_ device.Peripheral, invalidated []*gatt.Service) {
	s.mu.Lock()
	for c, sub := range s.subscriptions {
		for _, svc := range invalidated {
			if svc.Characteristic(c.Handle()) == c {
				sub.Close()
				delete(s.subscriptions, c)
			}
		}
	}
	s.mu.Unlock()
	s.logger.WithField("invalidated", len(invalidated)).Info("Peripheral services changed")
}

func (s *Session) DidReadRSSI(_ device.Peripheral, rssi int, err error) {
	s.complete("read rssi", nil, result{rssi: rssi, err: err})
}

func (s *Session) DidDiscoverServices(_ device.Peripheral, err error) {
	s.complete("discover services", nil, result{err: err})
}

func (s *Session) DidDiscoverIncludedServices(_ device.Peripheral, svc *gatt.Service, err error) {
	s.complete("discover included services", svc, result{err: err})
}

func (s *Session) DidDiscoverCharacteristics(_ device.Peripheral, svc *gatt.Service, err error) {
	s.complete("discover characteristics", svc, result{err: err})
}

func (s *Session) DidDiscoverDescriptors(_ device.Peripheral, c *gatt.Characteristic, err error) {
	s.complete("discover descriptors", c, result{err: err})
}

func (s *Session) DidUpdateValueForCharacteristic(_ device.Peripheral, c *gatt.Characteristic, err error) {
	if s.complete("read "+device.UUIDString(c.UUID()), c, result{value: c.Value(), err: err}) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Characteristic update failed")
		return
	}
	s.deliver(c)
}

func (s *Session) DidUpdateValueForDescriptor(_ device.Peripheral, d *gatt.Descriptor, err error) {
	s.complete("read descriptor "+device.UUIDString(d.UUID()), d, result{value: d.Value(), err: err})
}

func (s *Session) DidWriteValueForCharacteristic(_ device.Peripheral, c *gatt.Characteristic, err error) {
	s.complete("write "+device.UUIDString(c.UUID()), c, result{err: err})
}

func (s *Session) DidWriteValueForDescriptor(_ device.Peripheral, d *gatt.Descriptor, err error) {
	s.complete("write descriptor "+device.UUIDString(d.UUID()), d, result{err: err})
}

func (s *Session) DidUpdateNotificationState(_ device.Peripheral, c *gatt.Characteristic, err error) {
	s.complete("notify "+device.UUIDString(c.UUID()), c, result{err: err})
}

func (s *Session) IsReadyToSendWriteWithoutResponse(_ device.Peripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && s.pending.key == (readyKey{}) {
		s.pending.ch <- result{}
		s.pending = nil
	}
}

// IsNotConnected reports whether err means the session lost its link.
func IsNotConnected(err error) bool {
	return errors.Is(err, device.ErrNotConnected)
}
