package peripheral

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
)

// RequestHandler answers the requests a central makes of a simulated
// peripheral. Attribute arguments are always nodes of the peripheral's own
// template tree.
//
// A returned error is delivered to the requesting session verbatim; use
// device.ATTError for protocol level failures.
type RequestHandler interface {
	// OnReset is called when the device reboots; it should restore its
	// initial state.
	OnReset(p *Specification)

	// OnConnect accepts a connection request by returning nil.
	OnConnect(p *Specification) error
	// OnDisconnect is called once the last link to the peripheral is gone.
	OnDisconnect(p *Specification, err error)

	OnDiscoverServices(p *Specification, uuids []ble.UUID) error
	OnDiscoverIncludedServices(p *Specification, s *gatt.Service, uuids []ble.UUID) error
	OnDiscoverCharacteristics(p *Specification, s *gatt.Service, uuids []ble.UUID) error
	OnDiscoverDescriptors(p *Specification, c *gatt.Characteristic) error

	OnRead(p *Specification, c *gatt.Characteristic) ([]byte, error)
	OnReadDescriptor(p *Specification, d *gatt.Descriptor) ([]byte, error)
	OnWrite(p *Specification, c *gatt.Characteristic, data []byte) error
	// OnWriteCommand receives a write without response; it cannot fail.
	OnWriteCommand(p *Specification, c *gatt.Characteristic, data []byte)
	OnWriteDescriptor(p *Specification, d *gatt.Descriptor, data []byte) error

	OnSetNotify(p *Specification, c *gatt.Characteristic, enabled bool) error
}

// BaseHandler is a RequestHandler backed by the attribute values themselves.
// It accepts connections and discovery, serves reads from stored values and
// stores written values, honoring characteristic properties. Embed it to
// override selected requests.
type BaseHandler struct{}

var _ RequestHandler = BaseHandler{}

func (BaseHandler) OnReset(*Specification)             {}
func (BaseHandler) OnConnect(*Specification) error     { return nil }
func (BaseHandler) OnDisconnect(*Specification, error) {}

func (BaseHandler) OnDiscoverServices(*Specification, []ble.UUID) error { return nil }

func (BaseHandler) OnDiscoverIncludedServices(*Specification, *gatt.Service, []ble.UUID) error {
	return nil
}

func (BaseHandler) OnDiscoverCharacteristics(*Specification, *gatt.Service, []ble.UUID) error {
	return nil
}

func (BaseHandler) OnDiscoverDescriptors(*Specification, *gatt.Characteristic) error { return nil }

func (BaseHandler) OnRead(_ *Specification, c *gatt.Characteristic) ([]byte, error) {
	if c.Properties()&ble.CharRead == 0 {
		return nil, device.ATTErrorReadNotPermitted
	}
	return c.Value(), nil
}

func (BaseHandler) OnReadDescriptor(_ *Specification, d *gatt.Descriptor) ([]byte, error) {
	return d.Value(), nil
}

func (BaseHandler) OnWrite(_ *Specification, c *gatt.Characteristic, data []byte) error {
	if c.Properties()&ble.CharWrite == 0 {
		return device.ATTErrorWriteNotPermitted
	}
	c.SetValue(data)
	return nil
}

func (BaseHandler) OnWriteCommand(_ *Specification, c *gatt.Characteristic, data []byte) {
	if c.Properties()&ble.CharWriteNR != 0 {
		c.SetValue(data)
	}
}

func (BaseHandler) OnWriteDescriptor(_ *Specification, d *gatt.Descriptor, data []byte) error {
	if d.UUID().Equal(gatt.DescriptorClientConfig) {
		// the client configuration is owned by SetNotifyValue
		return device.ATTErrorWriteNotPermitted
	}
	d.SetValue(data)
	return nil
}

func (BaseHandler) OnSetNotify(_ *Specification, c *gatt.Characteristic, _ bool) error {
	if !gatt.CanNotify(c) {
		return device.ATTErrorRequestNotSupported
	}
	return nil
}
