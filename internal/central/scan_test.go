package central_test

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CentralSuite
}

func (s *ScanTestSuite) scan(services []ble.UUID, opts *device.ScanOptions, d time.Duration) int {
	m, events := s.NewCentral("scanner")
	s.PowerOn()

	m.ScanForPeripherals(services, opts)
	s.True(m.IsScanning())
	s.Advance(d)
	m.StopScan()
	return events.Count("DidDiscoverPeripheral")
}

func (s *ScanTestSuite) TestDuplicatesAreSuppressed() {
	s.Equal(1, s.scan(nil, nil, 500*time.Millisecond), "one report per packet without duplicates")
}

func (s *ScanTestSuite) TestDuplicatesAllowed() {
	reports := s.scan(nil, &device.ScanOptions{AllowDuplicates: true}, 500*time.Millisecond)
	s.GreaterOrEqual(reports, 4, "every packet MUST be reported with duplicates")
}

func (s *ScanTestSuite) TestServiceFilter() {
	s.Zero(s.scan([]ble.UUID{ble.UUID16(0x1816)}, nil, time.Second))
}

func (s *ScanTestSuite) TestServiceFilterMatches() {
	s.Equal(1, s.scan([]ble.UUID{ble.UUID16(0x1816), ble.UUID16(0x180D)}, nil, time.Second))
}

func (s *ScanTestSuite) TestAdvertisementPayload() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()
	s.Discover(m, events, hrmID)

	ad := events.Advertisement(hrmID)
	s.Require().NotNil(ad)
	s.Equal("HRM", ad.LocalName)
	s.True(ad.IsConnectable)
	s.Equal([]ble.UUID{ble.UUID16(0x180D)}, ad.ServiceUUIDs)

	ad.LocalName = "tampered"
	s.Equal("HRM", s.hrm.Advertisements()[0].Data.LocalName, "payload MUST be a copy")
}

func (s *ScanTestSuite) TestNameVisibility() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()
	p := s.Discover(m, events, hrmID)

	first := events.Filter("DidDiscoverPeripheral")[0]
	s.Nil(first.Value, "name MUST be unknown during the first discovery callback")

	name, ok := p.Name()
	s.True(ok)
	s.Equal("HRM", name, "advertised name MUST be visible after discovery")

	s.Connect(m, events, p)
	name, _ = p.Name()
	s.Equal("Heart Rate Monitor", name, "device name MUST be visible once connected")
}

func (s *ScanTestSuite) TestRSSIFollowsProximity() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()

	m.ScanForPeripherals(nil, &device.ScanOptions{AllowDuplicates: true})
	s.Advance(2 * time.Second)
	m.StopScan()

	dev := s.Config.Simulation.RSSIDeviation
	for _, e := range events.Filter("DidDiscoverPeripheral") {
		s.InDelta(peripheral.ProximityNear.RSSI(), e.RSSI, float64(dev))
	}
}

func (s *ScanTestSuite) TestOutOfRangeIsSilent() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()

	s.hrm.SimulateProximityChange(peripheral.ProximityOutOfRange)
	m.ScanForPeripherals(nil, nil)
	s.Advance(time.Second)
	s.Zero(events.Count("DidDiscoverPeripheral"))

	s.hrm.SimulateProximityChange(peripheral.ProximityFar)
	s.Advance(time.Second)
	s.Equal(1, events.Count("DidDiscoverPeripheral"), "scan MUST resume when the peripheral comes back")
	last, _ := events.Last("DidDiscoverPeripheral")
	s.InDelta(peripheral.ProximityFar.RSSI(), last.RSSI, float64(s.Config.Simulation.RSSIDeviation))
}

func (s *ScanTestSuite) TestStopScan() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()

	m.ScanForPeripherals(nil, &device.ScanOptions{AllowDuplicates: true})
	s.Advance(250 * time.Millisecond)
	m.StopScan()
	s.False(m.IsScanning())

	seen := events.Count("DidDiscoverPeripheral")
	s.Advance(time.Second)
	s.Equal(seen, events.Count("DidDiscoverPeripheral"), "no report MUST follow StopScan")
}

func (s *ScanTestSuite) TestConnectedPeripheralStopsAdvertising() {
	m, events, _ := s.connected("app")
	events.Reset()

	m.ScanForPeripherals(nil, &device.ScanOptions{AllowDuplicates: true})
	s.Advance(time.Second)
	m.StopScan()
	s.Zero(events.Count("DidDiscoverPeripheral"))
}

func (s *ScanTestSuite) TestVisibleWhenConnected() {
	s.hrm.SimulateAdvertisementChange(peripheral.NewAdvertisement(
		&device.AdvertisementData{LocalName: "HRM+"}, 100*time.Millisecond).VisibleWhileConnected())
	m, events, p := s.connected("app")
	events.Reset()

	m.ScanForPeripherals(nil, nil)
	s.Advance(time.Second)
	m.StopScan()
	s.Equal(1, events.Count("DidDiscoverPeripheral"))
	name, _ := p.Name()
	s.Equal("Heart Rate Monitor", name, "connected session MUST keep the device name")
}

func (s *ScanTestSuite) TestAdvertisementChangeRestartsScan() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()
	p := s.Discover(m, events, hrmID)

	m.ScanForPeripherals(nil, nil)
	s.Advance(500 * time.Millisecond)
	before := events.Count("DidDiscoverPeripheral")

	s.hrm.SimulateAdvertisementChange(peripheral.NewAdvertisement(
		&device.AdvertisementData{LocalName: "HRM-2"}, 100*time.Millisecond))
	s.Advance(500 * time.Millisecond)
	m.StopScan()

	s.Equal(before+1, events.Count("DidDiscoverPeripheral"), "new packet MUST be reported once")
	name, _ := p.Name()
	s.Equal("HRM-2", name)
}

func (s *ScanTestSuite) TestOneShotPacket() {
	s.hrm.SimulateAdvertisementChange(peripheral.NewAdvertisement(
		&device.AdvertisementData{LocalName: "once"}, 0).WithDelay(300 * time.Millisecond))

	m, events := s.NewCentral("scanner")
	s.PowerOn()
	m.ScanForPeripherals(nil, &device.ScanOptions{AllowDuplicates: true})
	start := s.Elapsed()
	s.Advance(2 * time.Second)
	m.StopScan()

	reports := events.Filter("DidDiscoverPeripheral")
	s.Require().Len(reports, 1)
	s.Equal(300*time.Millisecond, reports[0].At-start)
}

func (s *ScanTestSuite) TestMACChangeForgetsSession() {
	m, events := s.NewCentral("scanner")
	s.PowerOn()
	s.Discover(m, events, hrmID)

	next, err := s.hrm.SimulateMACChange()
	s.Require().NoError(err)
	s.Empty(m.RetrievePeripherals(hrmID), "old address MUST be forgotten")

	p := s.Discover(m, events, next)
	s.Equal(next, p.Identifier())
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
