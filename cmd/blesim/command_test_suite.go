package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/inspector"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/lua"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scenario"
	"github.com/srg/blesim/internal/scheduler"
	"github.com/srg/blesim/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test peripheral identifiers used by testScenario
const (
	SensorAddress = "dddddddd-0000-0000-0000-000000000001"
	TagAddress    = "dddddddd-0000-0000-0000-000000000002"
)

// testScenario describes an environment sensor whose humidity writes are
// echoed as temperature notifications, and a far away battery tag.
const testScenario = `
peripherals:
  - name: Environment Sensor
    identifier: dddddddd-0000-0000-0000-000000000001
    proximity: near
    connection_interval: 2ms
    advertisements:
      - local_name: ENV
        services: [181A]
        manufacturer_data: "ffff01"
        interval: 20ms
    services:
      - uuid: 181A
        characteristics:
          - uuid: 2A6E
            properties: read,notify
            value: "e803"
            descriptors:
              - uuid: 2901
                value: {text: Temperature}
          - uuid: 2A6F
            properties: read,write,write-nr
            value: {text: dry}
            descriptors:
              - uuid: 2901
                value: {text: Humidity}
          - uuid: 2A58
            properties: read
            value: "00"
      - uuid: 180F
        characteristics:
          - uuid: 2A19
            properties: read,notify
            value: "64"
    script: |
      function on_write(service, char, data)
        if char == "2a6f" then
          print("humidity " .. data)
          notify("181a", "2a6e", data)
        end
      end
  - name: Battery Tag
    identifier: dddddddd-0000-0000-0000-000000000002
    proximity: far
    connection_interval: 2ms
    advertisements:
      - local_name: TAG
        services: [180F]
        interval: 20ms
    services:
      - uuid: 180F
        characteristics:
          - uuid: 2A19
            properties: read
            value: "32"
`

// CommandTestSuite runs blesim commands against testScenario.
// All cmd/blesim test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	ScenarioPath string
	Ctx          context.Context
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
}

func (s *CommandTestSuite) SetupTest() {
	s.ScenarioPath = s.WriteScenario(testScenario)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.T().Cleanup(cancel)
	s.Ctx = ctx
}

// ConnectSensor runs testScenario in-process, for tests that drive command
// internals directly, and returns a discovered session to the environment
// sensor together with its specification.
func (s *CommandTestSuite) ConnectSensor() (*inspector.Session, *peripheral.Specification) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	specs, err := scenario.Parse([]byte(testScenario), scenario.Options{
		Config:   config.DefaultConfig(),
		Handlers: lua.Factory(logger),
		Logger:   logger,
	})
	s.Require().NoError(err, "test scenario MUST parse")

	clock := scheduler.NewRealtime(logger)
	a := adapter.New(config.DefaultConfig(), clock, logger)
	a.SetPeripherals(specs...)
	a.PowerOn()
	in := inspector.New(a, logger)
	s.T().Cleanup(func() {
		in.Close()
		a.TearDown()
		clock.Close()
		for _, spec := range specs {
			if h, ok := spec.Handler().(*lua.ScriptHandler); ok {
				h.Close()
			}
		}
	})

	s.Require().NoError(in.WaitPoweredOn(s.Ctx))
	session, err := in.Connect(s.Ctx, uuid.MustParse(SensorAddress), time.Second)
	s.Require().NoError(err, "sensor MUST connect")
	_, err = session.DiscoverAll(s.Ctx)
	s.Require().NoError(err, "discovery MUST complete")
	return session, specs[0]
}

// WriteScenario stores doc in a temp dir and returns its path.
func (s *CommandTestSuite) WriteScenario(doc string) string {
	path := filepath.Join(s.T().TempDir(), "scenario.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(doc), 0o600), "scenario file MUST be written")
	return path
}

// ExecuteCommand runs blesim with args against the suite scenario and
// returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

// ExecuteCommandWithTimeout is ExecuteCommand for commands that run until
// interrupted; the timeout plays the part of Ctrl+C.
func (s *CommandTestSuite) ExecuteCommandWithTimeout(timeout time.Duration, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.ExecuteCommandContext(ctx, args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	return s.ExecuteRaw(ctx, append(args, "--scenario", s.ScenarioPath)...)
}

// ExecuteRaw runs blesim with exactly args.
func (s *CommandTestSuite) ExecuteRaw(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}
