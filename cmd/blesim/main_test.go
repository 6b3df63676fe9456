package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "v0.1", formatVersion("v0.1"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no scenario", ErrNoScenario, "no scenario: pass --scenario <file>"},
		{"timeout", fmt.Errorf("connect: %w", device.ErrTimeout), "(is the peripheral in range and connectable?)"},
		{"radio off", device.ErrBluetoothOff, "(the simulated adapter is not powered on)"},
		{"link lost", fmt.Errorf("%w: gone", ErrConnectionLost), "connection lost: gone (the peripheral dropped the link)"},
		{"not found", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{"2a00"}}, "(use 'blesim inspect' to list the GATT tree)"},
		{"att error", fmt.Errorf("write: %w", device.ATTErrorWriteNotPermitted), "peripheral refused the request: write: "},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

type RootCommandTestSuite struct {
	CommandTestSuite
}

func (s *RootCommandTestSuite) TestCommandsAreRegistered() {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	s.Subset(names, []string{"scan", "inspect", "read", "write", "subscribe", "bridge"})
}

func (s *RootCommandTestSuite) TestFreshFlagStatePerTree() {
	// GOAL: Flags parsed by one command tree MUST NOT leak into the next
	first := newRootCmd()
	first.SetArgs([]string{"scan", "--format", "json", "--help"})
	first.SetOut(io.Discard)
	s.Require().NoError(first.Execute())

	second := newRootCmd()
	scan, _, err := second.Find([]string{"scan"})
	s.Require().NoError(err)
	format, err := scan.Flags().GetString("format")
	s.Require().NoError(err)
	s.Equal("table", format)
}

func (s *RootCommandTestSuite) TestVersion() {
	out, _, err := s.ExecuteRaw(context.Background(), "--version")
	s.Require().NoError(err)
	s.Contains(out, "blesim version dev (commit none, built unknown)")
}

func (s *RootCommandTestSuite) TestConfigFile() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("simulation:\n  connection_interval: 3ms\n"), 0o600))

	out, _, err := s.ExecuteCommand("read", TagAddress, "2a19", "--hex", "--config", path)
	s.Require().NoError(err)
	s.Equal("32\n", out)

	_, _, err = s.ExecuteCommand("read", TagAddress, "2a19", "--config", filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Error(err, "missing config file MUST fail")
}

func (s *RootCommandTestSuite) TestBrokenScenario() {
	s.ScenarioPath = s.WriteScenario("peripherals:\n  - proximity: orbit\n")
	_, _, err := s.ExecuteCommand("scan", "-d", "10ms")
	s.Error(err, "invalid scenario MUST fail")

	s.ScenarioPath = s.WriteScenario("peripherals:\n  - name: Broken\n    script: 'function on_read('\n")
	_, _, err = s.ExecuteCommand("scan", "-d", "10ms")
	s.ErrorContains(err, "lua", "script syntax errors MUST surface")
}

func (s *RootCommandTestSuite) TestConfigureLogger() {
	cmd := &cobra.Command{}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")

	logger, err := configureLogger(cmd, io.Discard)
	s.Require().NoError(err)
	s.Equal(logrus.PanicLevel, logger.GetLevel(), "logging MUST be silent by default")

	s.Require().NoError(cmd.Flags().Set("verbose", "true"))
	logger, err = configureLogger(cmd, io.Discard)
	s.Require().NoError(err)
	s.Equal(logrus.DebugLevel, logger.GetLevel())

	s.Require().NoError(cmd.Flags().Set("log-level", "warn"))
	logger, err = configureLogger(cmd, io.Discard)
	s.Require().NoError(err)
	s.Equal(logrus.WarnLevel, logger.GetLevel(), "--log-level MUST win over --verbose")
}

func TestRootCommandTestSuite(t *testing.T) {
	suite.Run(t, new(RootCommandTestSuite))
}
