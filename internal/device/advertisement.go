package device

import (
	"github.com/go-ble/ble"
)

// AdvertisementData is the payload of one advertising packet.
type AdvertisementData struct {
	LocalName             string
	ServiceUUIDs          []ble.UUID
	OverflowServiceUUIDs  []ble.UUID
	SolicitedServiceUUIDs []ble.UUID
	ManufacturerData      []byte
	ServiceData           []ble.ServiceData
	// TxPowerLevel is nil when the packet does not carry the field.
	TxPowerLevel  *int
	IsConnectable bool
}

// Clone returns a deep copy, so a payload handed to a consumer cannot alias
// the peripheral's configuration.
func (a *AdvertisementData) Clone() *AdvertisementData {
	if a == nil {
		return nil
	}
	c := &AdvertisementData{
		LocalName:             a.LocalName,
		ServiceUUIDs:          cloneUUIDs(a.ServiceUUIDs),
		OverflowServiceUUIDs:  cloneUUIDs(a.OverflowServiceUUIDs),
		SolicitedServiceUUIDs: cloneUUIDs(a.SolicitedServiceUUIDs),
		IsConnectable:         a.IsConnectable,
	}
	if a.ManufacturerData != nil {
		c.ManufacturerData = append([]byte{}, a.ManufacturerData...)
	}
	for _, sd := range a.ServiceData {
		c.ServiceData = append(c.ServiceData, ble.ServiceData{UUID: sd.UUID, Data: append([]byte{}, sd.Data...)})
	}
	if a.TxPowerLevel != nil {
		tx := *a.TxPowerLevel
		c.TxPowerLevel = &tx
	}
	return c
}

// Advertises reports whether the packet qualifies for a scan filtered by
// services. An empty filter matches every packet.
func (a *AdvertisementData) Advertises(services []ble.UUID) bool {
	if len(services) == 0 {
		return true
	}
	for _, want := range services {
		if ContainsUUID(a.ServiceUUIDs, want) || ContainsUUID(a.OverflowServiceUUIDs, want) {
			return true
		}
	}
	return false
}

// BLE exposes the payload through the go-ble advertisement interface, as a
// packet received from addr with the given RSSI.
func (a *AdvertisementData) BLE(addr string, rssi int) ble.Advertisement {
	return &bleAdvertisement{data: a.Clone(), addr: ble.NewAddr(addr), rssi: rssi}
}

type bleAdvertisement struct {
	data *AdvertisementData
	addr ble.Addr
	rssi int
}

var _ ble.Advertisement = (*bleAdvertisement)(nil)

func (a *bleAdvertisement) LocalName() string              { return a.data.LocalName }
func (a *bleAdvertisement) ManufacturerData() []byte       { return a.data.ManufacturerData }
func (a *bleAdvertisement) ServiceData() []ble.ServiceData { return a.data.ServiceData }
func (a *bleAdvertisement) Services() []ble.UUID           { return a.data.ServiceUUIDs }
func (a *bleAdvertisement) OverflowService() []ble.UUID    { return a.data.OverflowServiceUUIDs }
func (a *bleAdvertisement) Connectable() bool              { return a.data.IsConnectable }
func (a *bleAdvertisement) SolicitedService() []ble.UUID   { return a.data.SolicitedServiceUUIDs }
func (a *bleAdvertisement) RSSI() int                      { return a.rssi }
func (a *bleAdvertisement) Addr() ble.Addr                 { return a.addr }

func (a *bleAdvertisement) TxPowerLevel() int {
	if a.data.TxPowerLevel == nil {
		return 0
	}
	return *a.data.TxPowerLevel
}

func cloneUUIDs(in []ble.UUID) []ble.UUID {
	if in == nil {
		return nil
	}
	out := make([]ble.UUID, len(in))
	copy(out, in)
	return out
}
