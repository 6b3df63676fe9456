package inspector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/lua"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scenario"
	"github.com/srg/blesim/internal/scheduler"
	"github.com/srg/blesim/pkg/config"
	"github.com/stretchr/testify/suite"
)

var sensorID = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")

const sensorScenario = `
peripherals:
  - name: Environment Sensor
    identifier: bbbbbbbb-0000-0000-0000-000000000001
    advertisements:
      - local_name: ENV
        services: [181A]
        interval: 20ms
    services:
      - uuid: 181A
        characteristics:
          - uuid: 2A6E
            properties: read,notify
            value: "e803"
          - uuid: 2A6F
            properties: write,write-nr,read
            value: "00"
            descriptors:
              - uuid: 2901
                value: {text: Humidity}
          - uuid: 2A58
            properties: write
`

// InspectorTestSuite runs on the wall clock with a short connection interval.
type InspectorTestSuite struct {
	suite.Suite

	logger  *logrus.Logger
	clock   *scheduler.Realtime
	adapter *adapter.Adapter
	sensor  *peripheral.Specification
	in      *inspector.Inspector
	ctx     context.Context
}

func (s *InspectorTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.WarnLevel)

	cfg := config.DefaultConfig()
	cfg.Simulation.ConnectionInterval = 2 * time.Millisecond

	specs, err := scenario.Parse([]byte(sensorScenario), scenario.Options{
		Config:   cfg,
		Handlers: lua.Factory(s.logger),
		Logger:   s.logger,
	})
	s.Require().NoError(err)
	s.sensor = specs[0]

	s.clock = scheduler.NewRealtime(s.logger)
	s.adapter = adapter.New(cfg, s.clock, s.logger)
	s.adapter.SetPeripherals(specs...)
	s.adapter.PowerOn()

	s.in = inspector.New(s.adapter, s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	s.ctx = ctx
}

func (s *InspectorTestSuite) TearDownTest() {
	s.in.Close()
	s.adapter.TearDown()
	s.clock.Close()
}

func (s *InspectorTestSuite) connect() *inspector.Session {
	session, err := s.in.Connect(s.ctx, sensorID, time.Second)
	s.Require().NoError(err, "sensor MUST connect")
	_, err = session.DiscoverAll(s.ctx)
	s.Require().NoError(err, "discovery MUST complete")
	return session
}

func (s *InspectorTestSuite) TestInspectDevice() {
	var phases []string
	names, err := inspector.InspectDevice(s.ctx, s.in, sensorID, nil, func(phase string) {
		phases = append(phases, phase)
	}, func(session *inspector.Session) ([]string, error) {
		var out []string
		for _, svc := range session.Services() {
			for _, c := range svc.Characteristics() {
				out = append(out, device.UUIDString(c.UUID()))
			}
		}
		return out, nil
	})

	s.Require().NoError(err)
	s.Equal([]string{"2a6e", "2a6f", "2a58"}, names, "callback MUST see the discovered tree")
	s.Equal([]string{"Connecting", "Connected", "Discovering", "Processing results"}, phases)
	s.False(s.sensor.IsConnected(), "session MUST be disconnected once the callback returns")
}

func (s *InspectorTestSuite) TestConnectUnknownPeripheralTimesOut() {
	var phases []string
	_, err := inspector.InspectDevice(s.ctx, s.in, uuid.New(), &inspector.InspectOptions{ConnectTimeout: 50 * time.Millisecond},
		func(phase string) { phases = append(phases, phase) },
		func(*inspector.Session) (struct{}, error) { return struct{}{}, nil })

	s.ErrorIs(err, device.ErrTimeout)
	s.Equal([]string{"Connecting", "Failed"}, phases)
}

func (s *InspectorTestSuite) TestConnectNeedsPower() {
	s.adapter.PowerOff()
	s.Eventually(func() bool {
		return errors.Is(s.in.WaitPoweredOn(s.ctx), device.ErrBluetoothOff)
	}, time.Second, 5*time.Millisecond, "inspector MUST observe the radio turning off")

	_, err := s.in.Connect(s.ctx, sensorID, time.Second)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *InspectorTestSuite) TestReadAndWrite() {
	session := s.connect()

	temperature, err := session.Characteristic("181A", "2A6E")
	s.Require().NoError(err)
	value, err := session.Read(s.ctx, temperature)
	s.Require().NoError(err)
	s.Equal([]byte{0xe8, 0x03}, value)

	humidity, err := session.Characteristic("181a", "2a6f")
	s.Require().NoError(err)
	s.Require().NoError(session.Write(s.ctx, humidity, []byte{0x42}, true))
	value, err = session.Read(s.ctx, humidity)
	s.Require().NoError(err)
	s.Equal([]byte{0x42}, value, "written value MUST be read back")

	label := humidity.DescriptorByUUID(device.MustParseUUID("2901"))
	s.Require().NotNil(label)
	value, err = session.ReadDescriptor(s.ctx, label)
	s.Require().NoError(err)
	s.Equal("Humidity", string(value))

	rssi, err := session.ReadRSSI(s.ctx)
	s.Require().NoError(err)
	s.InDelta(-40, rssi, 15)
}

func (s *InspectorTestSuite) TestErrorsFromPeripheral() {
	session := s.connect()

	control, err := session.FindCharacteristic("2A58")
	s.Require().NoError(err)
	_, err = session.Read(s.ctx, control)
	s.ErrorIs(err, device.ATTErrorReadNotPermitted)

	err = session.Write(s.ctx, control, []byte{1}, false)
	s.ErrorIs(err, device.ATTErrorWriteNotPermitted, "command to a write-only characteristic MUST be refused locally")

	_, err = session.Characteristic("181A", "2A00")
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)

	_, err = session.Characteristic("1800", "2A00")
	s.ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
}

func (s *InspectorTestSuite) TestWriteWithoutResponseWaitsForCredits() {
	session := s.connect()
	humidity, err := session.FindCharacteristic("2A6F")
	s.Require().NoError(err)

	for i := 0; i < 50; i++ {
		s.Require().NoError(session.Write(s.ctx, humidity, []byte{byte(i)}, false), "write %d MUST eventually get a credit", i)
	}

	oversized := make([]byte, session.MTU())
	s.ErrorIs(session.Write(s.ctx, humidity, oversized, false), device.ATTErrorInvalidAttributeValueLength)
}

func (s *InspectorTestSuite) TestSubscribe() {
	session := s.connect()
	temperature, err := session.FindCharacteristic("2A6E")
	s.Require().NoError(err)

	values, err := session.Subscribe(s.ctx, temperature, 4)
	s.Require().NoError(err)
	s.True(temperature.IsNotifying())

	template := s.sensor.Services().FindCharacteristic(device.MustParseUUID("181A"), device.MustParseUUID("2A6E"))
	s.Require().NoError(s.sensor.SimulateValueUpdate([]byte{0x10, 0x04}, template))

	select {
	case n := <-values:
		s.Equal([]byte{0x10, 0x04}, n.Value)
		s.Same(temperature, n.Characteristic)
	case <-time.After(2 * time.Second):
		s.FailNow("notification MUST arrive")
	}

	s.Require().NoError(session.Unsubscribe(s.ctx, temperature))
	s.False(temperature.IsNotifying())
	_, open := <-values
	s.False(open, "channel MUST close on unsubscribe")
}

func (s *InspectorTestSuite) TestPeripheralDisconnect() {
	session := s.connect()
	temperature, err := session.FindCharacteristic("2A6E")
	s.Require().NoError(err)
	values, err := session.Subscribe(s.ctx, temperature, 0)
	s.Require().NoError(err)

	s.True(s.sensor.SimulateDisconnection(nil))

	select {
	case <-session.Disconnected():
	case <-time.After(2 * time.Second):
		s.FailNow("session MUST observe the lost link")
	}
	s.ErrorIs(session.Err(), device.CBErrorPeripheralDisconnected)
	_, open := <-values
	s.False(open, "subscriptions MUST close with the link")

	_, err = session.Read(s.ctx, temperature)
	s.ErrorIs(err, device.ErrNotConnected)
	s.NoError(session.Disconnect(s.ctx), "disconnecting a lost session MUST be a no-op")
}

func (s *InspectorTestSuite) TestReconnect() {
	session := s.connect()
	s.Require().NoError(session.Disconnect(s.ctx))

	_, err := s.in.Connect(s.ctx, sensorID, time.Second)
	s.NoError(err, "a disconnected peripheral MUST reconnect")

	_, err = s.in.Connect(s.ctx, sensorID, time.Second)
	s.ErrorIs(err, device.ErrAlreadyConnected)
}

func TestInspectorTestSuite(t *testing.T) {
	suite.Run(t, new(InspectorTestSuite))
}
