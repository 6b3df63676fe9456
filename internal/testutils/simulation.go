package testutils

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/central"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/lua"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scenario"
	"github.com/srg/blesim/internal/scheduler"
	"github.com/srg/blesim/pkg/config"
	"github.com/stretchr/testify/suite"
)

// SimulationSuite runs a simulation on a virtual clock. Nothing happens until
// the test advances the clock, so every run is deterministic.
//
//	type ConnectSuite struct {
//	    testutils.SimulationSuite
//	}
//
//	func (s *ConnectSuite) TestConnect() {
//	    specs := s.Scenario(`peripherals: [{name: HR, services: [{uuid: "180d"}]}]`)
//	    m, events := s.NewCentral("app")
//	    s.PowerOn()
//	    p := s.Discover(m, events, specs[0].Identifier())
//	    s.Connect(m, events, p)
//	}
type SimulationSuite struct {
	suite.Suite

	Logger  *logrus.Logger
	Config  *config.Config
	Clock   *scheduler.Virtual
	Adapter *adapter.Adapter
}

// SetupTest creates a fresh powered off adapter. Set BLESIM_TEST_LOG=debug to
// see the simulation logs.
func (s *SimulationSuite) SetupTest() {
	s.Logger = logrus.New()
	s.Logger.SetLevel(logrus.WarnLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("BLESIM_TEST_LOG")); err == nil {
		s.Logger.SetLevel(lvl)
	}

	s.Config = config.DefaultConfig()
	s.Clock = scheduler.NewVirtual()
	s.Adapter = adapter.New(s.Config, s.Clock, s.Logger)
}

func (s *SimulationSuite) TearDownTest() {
	s.Adapter.TearDown()
	s.Clock.Flush()
	s.Clock.Close()
}

// Elapsed is the virtual time since the test started.
func (s *SimulationSuite) Elapsed() time.Duration { return s.Clock.Elapsed() }

func (s *SimulationSuite) Advance(d time.Duration) { s.Clock.Advance(d) }

// Flush delivers everything due now.
func (s *SimulationSuite) Flush() { s.Clock.Flush() }

// Interval is the configured connection interval.
func (s *SimulationSuite) Interval() time.Duration {
	return s.Config.Simulation.ConnectionInterval
}

// PowerOn switches the radio on and delivers the state callbacks.
func (s *SimulationSuite) PowerOn() {
	s.Adapter.PowerOn()
	s.Flush()
}

// Scenario builds peripherals from a YAML document and registers them.
func (s *SimulationSuite) Scenario(doc string) []*peripheral.Specification {
	specs, err := scenario.Parse([]byte(doc), scenario.Options{
		Config:   s.Config,
		Handlers: lua.Factory(s.Logger),
		Logger:   s.Logger,
	})
	s.Require().NoError(err, "scenario MUST parse")
	s.Adapter.SetPeripherals(specs...)
	return specs
}

// Register adds already built peripherals to the adapter.
func (s *SimulationSuite) Register(specs ...*peripheral.Specification) {
	s.Adapter.SetPeripherals(specs...)
}

// NewCentral creates a manager whose callbacks are recorded.
func (s *SimulationSuite) NewCentral(name string) (*central.Manager, *CentralRecorder) {
	rec := NewCentralRecorder(s.Elapsed)
	m := central.NewManager(s.Adapter, rec, &central.Options{Name: name})
	s.T().Cleanup(m.Close)
	s.Flush()
	return m, rec
}

// Discover scans until id is reported, then stops the scan.
func (s *SimulationSuite) Discover(m *central.Manager, rec *CentralRecorder, id uuid.UUID) device.Peripheral {
	s.T().Helper()
	m.ScanForPeripherals(nil, nil)
	defer m.StopScan()

	for deadline := s.Elapsed() + 10*time.Second; s.Elapsed() < deadline; {
		if p, ok := rec.Peripheral(id); ok {
			return p
		}
		s.Advance(10 * time.Millisecond)
	}
	s.FailNow("peripheral MUST be discovered", "id %s", id)
	return nil
}

// Connect connects p and waits for DidConnect.
func (s *SimulationSuite) Connect(m *central.Manager, rec *CentralRecorder, p device.Peripheral) {
	s.T().Helper()
	before := rec.Count("DidConnect")
	m.Connect(p, nil)
	s.Clock.AdvanceUntilIdle(time.Second)
	s.Require().Equal(before+1, rec.Count("DidConnect"), "peripheral MUST connect")
	s.Require().Equal(device.PeripheralStateConnected, p.State())
}

// Watch records p's GATT callbacks.
func (s *SimulationSuite) Watch(p device.Peripheral) *PeripheralRecorder {
	rec := NewPeripheralRecorder(s.Elapsed)
	p.SetDelegate(rec)
	return rec
}

// DiscoverAll discovers every service, characteristic and descriptor of a
// connected peripheral.
func (s *SimulationSuite) DiscoverAll(p device.Peripheral) {
	s.T().Helper()
	p.DiscoverServices()
	s.Clock.AdvanceUntilIdle(time.Second)
	for _, svc := range p.Services() {
		p.DiscoverCharacteristics(svc)
		s.Clock.AdvanceUntilIdle(time.Second)
		for _, c := range svc.Characteristics() {
			p.DiscoverDescriptors(c)
			s.Clock.AdvanceUntilIdle(time.Second)
		}
	}
}
