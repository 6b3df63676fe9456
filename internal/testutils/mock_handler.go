package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/stretchr/testify/mock"
)

// MockRequestHandler is a testify mock of peripheral.RequestHandler.
type MockRequestHandler struct {
	mock.Mock
}

var _ peripheral.RequestHandler = (*MockRequestHandler)(nil)

// AcceptAll lets connections, disconnections, resets and discovery through
// without explicit expectations.
func (m *MockRequestHandler) AcceptAll() *MockRequestHandler {
	m.On("OnConnect", mock.Anything).Return(nil).Maybe()
	m.On("OnDisconnect", mock.Anything, mock.Anything).Maybe()
	m.On("OnReset", mock.Anything).Maybe()
	m.On("OnDiscoverServices", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("OnDiscoverIncludedServices", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("OnDiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("OnDiscoverDescriptors", mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

func (m *MockRequestHandler) OnReset(p *peripheral.Specification) { m.Called(p) }

func (m *MockRequestHandler) OnConnect(p *peripheral.Specification) error {
	return m.Called(p).Error(0)
}

func (m *MockRequestHandler) OnDisconnect(p *peripheral.Specification, err error) { m.Called(p, err) }

func (m *MockRequestHandler) OnDiscoverServices(p *peripheral.Specification, uuids []ble.UUID) error {
	return m.Called(p, uuids).Error(0)
}

func (m *MockRequestHandler) OnDiscoverIncludedServices(p *peripheral.Specification, s *gatt.Service, uuids []ble.UUID) error {
	return m.Called(p, s, uuids).Error(0)
}

func (m *MockRequestHandler) OnDiscoverCharacteristics(p *peripheral.Specification, s *gatt.Service, uuids []ble.UUID) error {
	return m.Called(p, s, uuids).Error(0)
}

func (m *MockRequestHandler) OnDiscoverDescriptors(p *peripheral.Specification, c *gatt.Characteristic) error {
	return m.Called(p, c).Error(0)
}

func (m *MockRequestHandler) OnRead(p *peripheral.Specification, c *gatt.Characteristic) ([]byte, error) {
	args := m.Called(p, c)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1)
}

func (m *MockRequestHandler) OnReadDescriptor(p *peripheral.Specification, d *gatt.Descriptor) ([]byte, error) {
	args := m.Called(p, d)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1)
}

func (m *MockRequestHandler) OnWrite(p *peripheral.Specification, c *gatt.Characteristic, data []byte) error {
	return m.Called(p, c, data).Error(0)
}

func (m *MockRequestHandler) OnWriteCommand(p *peripheral.Specification, c *gatt.Characteristic, data []byte) {
	m.Called(p, c, data)
}

func (m *MockRequestHandler) OnWriteDescriptor(p *peripheral.Specification, d *gatt.Descriptor, data []byte) error {
	return m.Called(p, d, data).Error(0)
}

func (m *MockRequestHandler) OnSetNotify(p *peripheral.Specification, c *gatt.Characteristic, enabled bool) error {
	return m.Called(p, c, enabled).Error(0)
}
