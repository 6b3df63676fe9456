package scanner_test

import (
	"context"
	"sort"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/testutils"
	"github.com/srg/blesim/scanner"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

const (
	thermometerID = "aaaaaaaa-0000-0000-0000-000000000001"
	batteryID     = "aaaaaaaa-0000-0000-0000-000000000002"
	beaconID      = "aaaaaaaa-0000-0000-0000-000000000003"
	farAwayID     = "aaaaaaaa-0000-0000-0000-000000000004"
)

const scannerScenario = `
peripherals:
  - name: Thermometer
    identifier: aaaaaaaa-0000-0000-0000-000000000001
    advertisements:
      - local_name: Test Device 1
        services: [1809, 180F]
        interval: 100ms
    services:
      - uuid: 1809
  - name: Battery Pack
    identifier: aaaaaaaa-0000-0000-0000-000000000002
    proximity: immediate
    advertisements:
      - local_name: Test Device 2
        services: [180F]
        interval: 200ms
    services:
      - uuid: 180F
  - name: Beacon
    identifier: aaaaaaaa-0000-0000-0000-000000000003
    proximity: far
    advertisements:
      - local_name: Test Device 3
        manufacturer_data: "4c000215"
        interval: 250ms
  - name: Far Away
    identifier: aaaaaaaa-0000-0000-0000-000000000004
    proximity: outOfRange
    advertisements:
      - local_name: Test Device 4
        interval: 100ms
`

type ScannerTestSuite struct {
	testutils.SimulationSuite

	scanner *scanner.Scanner
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.SimulationSuite.SetupTest()
	suite.Scenario(scannerScenario)
	suite.PowerOn()

	s, err := scanner.NewScanner(suite.Adapter, suite.Logger)
	suite.Require().NoError(err)
	suite.scanner = s
	suite.T().Cleanup(s.Close)
	suite.Flush()
}

func addresses(devices map[string]scanner.Device) []string {
	out := make([]string, 0, len(devices))
	for addr := range devices {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (suite *ScannerTestSuite) scan(opts *scanner.ScanOptions, d time.Duration) map[string]scanner.Device {
	suite.scanner.Start(opts)
	suite.Advance(d)
	return suite.scanner.Stop()
}

func (suite *ScannerTestSuite) drain() []scanner.DeviceEvent {
	var events []scanner.DeviceEvent
	for {
		select {
		case ev := <-suite.scanner.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("rejects missing adapter", func() {
		s, err := scanner.NewScanner(nil, suite.Logger)

		suite.Error(err)
		suite.Nil(s)
	})

	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(suite.Adapter, nil)

		suite.NoError(err)
		suite.NotNil(s)
		s.Close()
	})
}

func (suite *ScannerTestSuite) TestScanFindsDevicesInRange() {
	devices := suite.scan(&scanner.ScanOptions{DuplicateFilter: true}, time.Second)

	suite.Equal([]string{thermometerID, batteryID, beaconID}, addresses(devices),
		"every peripheral in range MUST be found, out of range MUST stay silent")

	thermometer := devices[thermometerID]
	suite.Equal("Test Device 1", thermometer.Name)
	suite.True(thermometer.Connectable(), "a peripheral with services MUST advertise as connectable")
	suite.Equal(1, thermometer.Packets, "duplicate filter MUST report each peripheral once")
	suite.InDelta(-40, thermometer.RSSI, float64(suite.Config.Simulation.RSSIDeviation))

	beacon := devices[beaconID]
	suite.False(beacon.Connectable())
	suite.Equal([]byte{0x4c, 0x00, 0x02, 0x15}, beacon.Advertisement.ManufacturerData)
}

func (suite *ScannerTestSuite) TestDuplicatesUpdateDevices() {
	devices := suite.scan(&scanner.ScanOptions{}, time.Second)

	suite.GreaterOrEqual(devices[thermometerID].Packets, 9, "100ms advertiser MUST be seen about ten times a second")
	suite.GreaterOrEqual(devices[batteryID].Packets, 4)
	suite.True(devices[thermometerID].LastSeen.After(devices[thermometerID].FirstSeen))

	events := suite.drain()
	counts := map[string]map[scanner.DeviceEventType]int{}
	for _, ev := range events {
		if counts[ev.Device.Address()] == nil {
			counts[ev.Device.Address()] = map[scanner.DeviceEventType]int{}
		}
		counts[ev.Device.Address()][ev.Type]++
	}
	for addr, byType := range counts {
		suite.Equal(1, byType[scanner.EventNew], "%s MUST be reported new exactly once", addr)
	}
	suite.Positive(counts[thermometerID][scanner.EventUpdated])
}

func (suite *ScannerTestSuite) TestFilters() {
	tests := []struct {
		name string
		opts *scanner.ScanOptions
		want []string
	}{
		{
			name: "service filter",
			opts: &scanner.ScanOptions{ServiceUUIDs: []blelib.UUID{device.MustParseUUID("180F")}},
			want: []string{thermometerID, batteryID},
		},
		{
			name: "allow list",
			opts: &scanner.ScanOptions{AllowList: []string{beaconID}},
			want: []string{beaconID},
		},
		{
			name: "block list",
			opts: &scanner.ScanOptions{BlockList: []string{thermometerID}},
			want: []string{batteryID, beaconID},
		},
		{
			name: "block wins over allow",
			opts: &scanner.ScanOptions{AllowList: []string{batteryID}, BlockList: []string{batteryID}},
			want: []string{},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			devices := suite.scan(tt.opts, time.Second)
			suite.Equal(tt.want, addresses(devices))
		})
	}
}

func (suite *ScannerTestSuite) TestDurationEndsScan() {
	suite.scanner.Start(&scanner.ScanOptions{Duration: 500 * time.Millisecond})

	suite.Advance(499 * time.Millisecond)
	select {
	case <-suite.scanner.Done():
		suite.Fail("scan MUST run for the whole duration")
	default:
	}
	suite.True(suite.scanner.Manager().IsScanning())

	suite.Advance(time.Millisecond)
	select {
	case <-suite.scanner.Done():
	default:
		suite.Fail("scan MUST end once the duration elapses on the simulation clock")
	}
	suite.False(suite.scanner.Manager().IsScanning(), "manager scan MUST stop with the scanner")
	suite.Len(suite.scanner.Devices(), 3, "results MUST survive the end of the scan")
}

func (suite *ScannerTestSuite) TestRestartClearsResults() {
	suite.scan(&scanner.ScanOptions{}, time.Second)

	devices := suite.scan(&scanner.ScanOptions{AllowList: []string{batteryID}}, time.Second)
	suite.Equal([]string{batteryID}, addresses(devices))
}

func (suite *ScannerTestSuite) TestScanWaitsForPower() {
	suite.Adapter.PowerOff()
	suite.Flush()

	suite.scanner.Start(&scanner.ScanOptions{})
	suite.Advance(time.Second)
	suite.Empty(suite.scanner.Devices(), "nothing MUST be found while the radio is off")

	suite.Adapter.PowerOn()
	suite.Advance(time.Second)
	suite.Len(suite.scanner.Stop(), 3, "scan MUST start once the radio powers on")
}

func (suite *ScannerTestSuite) TestScanHonoursContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var phases []string
	devices, err := suite.scanner.Scan(ctx, &scanner.ScanOptions{}, func(phase string) {
		phases = append(phases, phase)
	})

	suite.NoError(err)
	suite.Empty(devices)
	suite.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (suite *ScannerTestSuite) TestDeviceBLEView() {
	devices := suite.scan(&scanner.ScanOptions{}, 300*time.Millisecond)

	adv := devices[batteryID].BLE()
	suite.Equal("Test Device 2", adv.LocalName())
	suite.Equal(batteryID, adv.Addr().String())
	suite.Equal(devices[batteryID].RSSI, adv.RSSI())
	suite.Len(adv.Services(), 1)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}

func TestDefaultScanOptions(t *testing.T) {
	opts := scanner.DefaultScanOptions()

	require.Equal(t, 10*time.Second, opts.Duration)
	require.True(t, opts.DuplicateFilter)
}
