package device

import (
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/srg/blesim/internal/gatt"
)

// ManagerState is the power state of the simulated adapter as seen by a
// central manager.
type ManagerState int

const (
	ManagerStateUnknown ManagerState = iota
	ManagerStateResetting
	ManagerStateUnsupported
	ManagerStateUnauthorized
	ManagerStatePoweredOff
	ManagerStatePoweredOn
)

var managerStateNames = [...]string{"unknown", "resetting", "unsupported", "unauthorized", "poweredOff", "poweredOn"}

func (s ManagerState) String() string {
	if s < 0 || int(s) >= len(managerStateNames) {
		return "invalid"
	}
	return managerStateNames[s]
}

// ParseManagerState accepts the names produced by String.
func ParseManagerState(name string) (ManagerState, error) {
	for i, n := range managerStateNames {
		if n == name {
			return ManagerState(i), nil
		}
	}
	return ManagerStateUnknown, &NotFoundError{Resource: "manager state", UUIDs: []string{name}}
}

// PeripheralState is the connection state of one manager's session.
type PeripheralState int

const (
	PeripheralStateDisconnected PeripheralState = iota
	PeripheralStateConnecting
	PeripheralStateConnected
	PeripheralStateDisconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case PeripheralStateDisconnected:
		return "disconnected"
	case PeripheralStateConnecting:
		return "connecting"
	case PeripheralStateConnected:
		return "connected"
	case PeripheralStateDisconnecting:
		return "disconnecting"
	}
	return "invalid"
}

// WriteType selects acknowledged or unacknowledged characteristic writes.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
)

// MaxAttributeValueLength is the largest value an acknowledged write accepts.
const MaxAttributeValueLength = 512

// ScanOptions controls discovery event delivery.
type ScanOptions struct {
	// AllowDuplicates reports every received packet instead of one event per
	// advertising packet.
	AllowDuplicates bool
}

// ConnectOptions are accepted for API compatibility; the simulation ignores them.
type ConnectOptions struct {
	NotifyOnConnection    bool
	NotifyOnDisconnection bool
	NotifyOnNotification  bool
}

// ----------------------------
// Consumer handles
// ----------------------------

// CentralManager is the consumer's view of a central role client.
type CentralManager interface {
	Delegate() CentralManagerDelegate
	SetDelegate(d CentralManagerDelegate)
	State() ManagerState
	IsScanning() bool

	ScanForPeripherals(services []ble.UUID, opts *ScanOptions)
	StopScan()

	Connect(p Peripheral, opts *ConnectOptions)
	CancelPeripheralConnection(p Peripheral)

	RetrievePeripherals(ids ...uuid.UUID) []Peripheral
	RetrieveConnectedPeripherals(services ...ble.UUID) []Peripheral

	// RegisterForConnectionEvents is not simulated and always panics with
	// ErrUnsupported.
	RegisterForConnectionEvents(opts map[string]any)
}

// Peripheral is one manager's session on a simulated device.
type Peripheral interface {
	Identifier() uuid.UUID
	// Name returns the device name visible to this session. ok is false while
	// the name is not yet known.
	Name() (name string, ok bool)
	State() PeripheralState
	Delegate() PeripheralDelegate
	SetDelegate(d PeripheralDelegate)

	// Services returns the discovered services, nil before discovery.
	Services() []*gatt.Service
	CanSendWriteWithoutResponse() bool
	MaximumWriteValueLength(t WriteType) int

	DiscoverServices(uuids ...ble.UUID)
	DiscoverIncludedServices(s *gatt.Service, uuids ...ble.UUID)
	DiscoverCharacteristics(s *gatt.Service, uuids ...ble.UUID)
	DiscoverDescriptors(c *gatt.Characteristic)

	ReadCharacteristic(c *gatt.Characteristic)
	ReadDescriptor(d *gatt.Descriptor)
	WriteCharacteristic(data []byte, c *gatt.Characteristic, t WriteType)
	WriteDescriptor(data []byte, d *gatt.Descriptor)
	SetNotifyValue(enabled bool, c *gatt.Characteristic)
	ReadRSSI()

	// OpenL2CAPChannel is not simulated and always panics with ErrUnsupported.
	OpenL2CAPChannel(psm uint16)
}

// ----------------------------
// Delegates
// ----------------------------

// CentralManagerDelegate receives manager level events on the manager's queue.
type CentralManagerDelegate interface {
	DidUpdateState(m CentralManager)
	DidDiscoverPeripheral(m CentralManager, p Peripheral, adv *AdvertisementData, rssi int)
	DidConnect(m CentralManager, p Peripheral)
	DidFailToConnect(m CentralManager, p Peripheral, err error)
	DidDisconnect(m CentralManager, p Peripheral, err error)
}

// PeripheralDelegate receives GATT results on the owning manager's queue.
type PeripheralDelegate interface {
	DidUpdateName(p Peripheral)
	DidModifyServices(p Peripheral, invalidated []*gatt.Service)
	DidReadRSSI(p Peripheral, rssi int, err error)
	DidDiscoverServices(p Peripheral, err error)
	DidDiscoverIncludedServices(p Peripheral, s *gatt.Service, err error)
	DidDiscoverCharacteristics(p Peripheral, s *gatt.Service, err error)
	DidDiscoverDescriptors(p Peripheral, c *gatt.Characteristic, err error)
	DidUpdateValueForCharacteristic(p Peripheral, c *gatt.Characteristic, err error)
	DidUpdateValueForDescriptor(p Peripheral, d *gatt.Descriptor, err error)
	DidWriteValueForCharacteristic(p Peripheral, c *gatt.Characteristic, err error)
	DidWriteValueForDescriptor(p Peripheral, d *gatt.Descriptor, err error)
	DidUpdateNotificationState(p Peripheral, c *gatt.Characteristic, err error)
	IsReadyToSendWriteWithoutResponse(p Peripheral)
}

// NopCentralManagerDelegate ignores every event. Embed it to implement only
// the callbacks of interest.
type NopCentralManagerDelegate struct{}

func (NopCentralManagerDelegate) DidUpdateState(CentralManager)                                             {}
func (NopCentralManagerDelegate) DidDiscoverPeripheral(CentralManager, Peripheral, *AdvertisementData, int) {}
func (NopCentralManagerDelegate) DidConnect(CentralManager, Peripheral)                                     {}
func (NopCentralManagerDelegate) DidFailToConnect(CentralManager, Peripheral, error)                        {}
func (NopCentralManagerDelegate) DidDisconnect(CentralManager, Peripheral, error)                           {}

// NopPeripheralDelegate ignores every event.
type NopPeripheralDelegate struct{}

func (NopPeripheralDelegate) DidUpdateName(Peripheral)                                                {}
func (NopPeripheralDelegate) DidModifyServices(Peripheral, []*gatt.Service)                           {}
func (NopPeripheralDelegate) DidReadRSSI(Peripheral, int, error)                                      {}
func (NopPeripheralDelegate) DidDiscoverServices(Peripheral, error)                                   {}
func (NopPeripheralDelegate) DidDiscoverIncludedServices(Peripheral, *gatt.Service, error)            {}
func (NopPeripheralDelegate) DidDiscoverCharacteristics(Peripheral, *gatt.Service, error)             {}
func (NopPeripheralDelegate) DidDiscoverDescriptors(Peripheral, *gatt.Characteristic, error)          {}
func (NopPeripheralDelegate) DidUpdateValueForCharacteristic(Peripheral, *gatt.Characteristic, error) {}
func (NopPeripheralDelegate) DidUpdateValueForDescriptor(Peripheral, *gatt.Descriptor, error)         {}
func (NopPeripheralDelegate) DidWriteValueForCharacteristic(Peripheral, *gatt.Characteristic, error)  {}
func (NopPeripheralDelegate) DidWriteValueForDescriptor(Peripheral, *gatt.Descriptor, error)          {}
func (NopPeripheralDelegate) DidUpdateNotificationState(Peripheral, *gatt.Characteristic, error)      {}
func (NopPeripheralDelegate) IsReadyToSendWriteWithoutResponse(Peripheral)                            {}
