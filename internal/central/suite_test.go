package central_test

import (
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/central"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/testutils"
)

var hrmID = uuid.MustParse("11111111-2222-3333-4444-555555555555")

const heartRateScenario = `
peripherals:
  - name: Heart Rate Monitor
    identifier: 11111111-2222-3333-4444-555555555555
    advertisements:
      - local_name: HRM
        services: [180D]
        interval: 100ms
    services:
      - uuid: 180D
        characteristics:
          - uuid: 2A37
            properties: read,notify
            value: "0048"
          - uuid: 2A39
            properties: write,write-nr
      - uuid: 180F
        characteristics:
          - uuid: 2A19
            properties: read
            value: [87]
`

// CentralSuite runs the heart rate scenario against recorded managers.
type CentralSuite struct {
	testutils.SimulationSuite

	hrm *peripheral.Specification
}

func (s *CentralSuite) SetupTest() {
	s.SimulationSuite.SetupTest()
	s.hrm = s.Scenario(heartRateScenario)[0]
}

// connected returns a connected session of hrm on a fresh manager.
func (s *CentralSuite) connected(name string) (*central.Manager, *testutils.CentralRecorder, device.Peripheral) {
	m, events := s.NewCentral(name)
	if s.Adapter.State() != device.ManagerStatePoweredOn {
		s.PowerOn()
	}
	var p device.Peripheral
	if s.hrm.IsConnected() {
		// a connected peripheral stops advertising
		p = m.RetrievePeripherals(hrmID)[0]
	} else {
		p = s.Discover(m, events, hrmID)
	}
	s.Connect(m, events, p)
	return m, events, p
}

// discovered connects and discovers the full attribute tree.
func (s *CentralSuite) discovered(name string) (*central.Manager, device.Peripheral, *testutils.PeripheralRecorder) {
	m, _, p := s.connected(name)
	gattEvents := s.Watch(p)
	s.DiscoverAll(p)
	gattEvents.Reset()
	return m, p, gattEvents
}

// characteristic finds a discovered characteristic by UUID.
func (s *CentralSuite) characteristic(p device.Peripheral, svc, char string) *gatt.Characteristic {
	for _, service := range p.Services() {
		if device.UUIDString(service.UUID()) != svc {
			continue
		}
		for _, c := range service.Characteristics() {
			if device.UUIDString(c.UUID()) == char {
				return c
			}
		}
	}
	s.FailNow("characteristic MUST be discovered", "%s/%s", svc, char)
	return nil
}

// at asserts that the newest of events happened want after start.
func (s *CentralSuite) at(events []testutils.Event, start, want time.Duration) {
	s.Require().NotEmpty(events)
	s.Equal(want, events[len(events)-1].At-start)
}
