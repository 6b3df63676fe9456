package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/testutils"
	"github.com/srg/blesim/scanner"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (s *ScanTestSuite) TestJSONOutput() {
	// GOAL: A bounded scan reports every in-range advertiser once, sorted by name
	out, _, err := s.ExecuteCommand("scan", "--duration", "300ms", "--format", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{
			"address": "dddddddd-0000-0000-0000-000000000001",
			"name": "ENV",
			"rssi": "<<PRESENCE>>",
			"connectable": true,
			"services": ["181a"],
			"manufacturer_data": "ffff01",
			"packets": 1
		},
		{
			"address": "dddddddd-0000-0000-0000-000000000002",
			"name": "TAG",
			"rssi": "<<PRESENCE>>",
			"connectable": true,
			"services": ["180f"],
			"packets": 1
		}
	]`)
}

func (s *ScanTestSuite) TestFilters() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"service", []string{"--services", "181A"}, `[{"name": "ENV"}]`},
		{"allow list", []string{"--allow", TagAddress}, `[{"name": "TAG"}]`},
		{"block list", []string{"--block", "DDDDDDDD-0000-0000-0000-000000000002"}, `[{"name": "ENV"}]`},
		{"unknown service", []string{"--services", "1800"}, `[]`},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			args := append([]string{"scan", "-d", "200ms", "-f", "json"}, tt.args...)
			out, _, err := s.ExecuteCommand(args...)
			s.Require().NoError(err)
			testutils.NewJSONAsserter(s.T()).Assert(out, tt.want)
		})
	}
}

func (s *ScanTestSuite) TestDuplicatesAreReportedWhenAsked() {
	out, _, err := s.ExecuteCommand("scan", "-d", "300ms", "-f", "json", "--allow", SensorAddress, "--no-duplicates=false")
	s.Require().NoError(err)

	var list []deviceJSON
	s.Require().NoError(json.Unmarshal([]byte(out), &list))
	s.Require().Len(list, 1)
	s.Greater(list[0].Packets, 1, "repeating advertisements MUST be counted when duplicates are allowed")
}

func (s *ScanTestSuite) TestTableOutput() {
	out, _, err := s.ExecuteCommand("scan", "-d", "200ms", "--allow", TagAddress)
	s.Require().NoError(err)
	s.Contains(out, "NAME")
	s.Contains(out, "TAG")
	s.Contains(out, TagAddress)
	s.Contains(out, "180f")
	s.NotContains(out, "ENV")

	out, _, err = s.ExecuteCommand("scan", "-d", "100ms", "--services", "1800")
	s.Require().NoError(err)
	s.Equal("No devices discovered\n", out)
}

func (s *ScanTestSuite) TestInterruptedScanStillReports() {
	// GOAL: Ctrl+C during an indefinite scan prints what was found so far
	out, _, err := s.ExecuteCommandWithTimeout(300*time.Millisecond, "scan", "-d", "0", "-f", "json", "--allow", SensorAddress)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(out, `[{"name": "ENV"}]`)
}

func (s *ScanTestSuite) TestWatchMode() {
	out, _, err := s.ExecuteCommandWithTimeout(300*time.Millisecond, "scan", "--watch", "-d", "0", "--allow", TagAddress)
	s.Require().NoError(err)
	s.Contains(out, "TAG", "final table MUST list the device")
}

func (s *ScanTestSuite) TestInvalidArguments() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format 'xml'")

	_, _, err = s.ExecuteCommand("scan", "--services", "not-a-uuid")
	s.ErrorContains(err, "invalid service UUID")

	_, _, err = s.ExecuteRaw(context.Background(), "scan", "-d", "10ms")
	s.ErrorIs(err, ErrNoScenario, "a scenario MUST be required")

	_, _, err = s.ExecuteCommand("scan", "--log-level", "chatty")
	s.ErrorContains(err, "invalid log level")
}

func (s *ScanTestSuite) TestDisplayDevicesSortsByNameThenAddress() {
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	devices := map[string]scanner.Device{
		b.String(): {ID: b, Name: "Same", RSSI: -40, Advertisement: &device.AdvertisementData{IsConnectable: true}},
		a.String(): {ID: a, Name: "Same", RSSI: -50},
		"z":        {ID: uuid.Nil, Name: "Alpha"},
	}

	var buf bytes.Buffer
	s.Require().NoError(displayDevices(&buf, devices, "json"))
	testutils.NewJSONAsserter(s.T()).Assert(buf.String(), `[
		{"address": "00000000-0000-0000-0000-000000000000", "name": "Alpha", "rssi": 0, "connectable": false, "packets": 0},
		{"address": "00000000-0000-0000-0000-00000000000a", "name": "Same", "rssi": -50, "connectable": false, "packets": 0},
		{"address": "00000000-0000-0000-0000-00000000000b", "name": "Same", "rssi": -40, "connectable": true, "packets": 0}
	]`)
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
