package main

import (
	"testing"

	"github.com/srg/blesim/internal/device"
	"github.com/stretchr/testify/suite"
)

type WriteTestSuite struct {
	CommandTestSuite
}

func (s *WriteTestSuite) TestParseWriteData() {
	// GOAL: Verify hex data parsing handles various input formats correctly
	tests := []struct {
		name  string
		input string
		hex   bool
		want  []byte
	}{
		{"raw string", "hello", false, []byte("hello")},
		{"raw keeps hex-looking text", "0x01", false, []byte("0x01")},
		{"plain hex", "ff01", true, []byte{0xff, 0x01}},
		{"spaced hex", "ff 01 a0", true, []byte{0xff, 0x01, 0xa0}},
		{"colon separated", "FF:01:A0", true, []byte{0xff, 0x01, 0xa0}},
		{"dash separated", "ff-01", true, []byte{0xff, 0x01}},
		{"prefixed bytes", "0x01 0XfF", true, []byte{0x01, 0xff}},
		{"empty hex", "", true, []byte{}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, err := parseWriteData(tt.input, tt.hex)
			s.Require().NoError(err)
			s.Equal(tt.want, got)
		})
	}

	_, err := parseWriteData("abc", true)
	s.ErrorContains(err, "invalid hex data", "odd length MUST be rejected")
	_, err = parseWriteData("zz", true)
	s.ErrorContains(err, "invalid hex data")
}

func (s *WriteTestSuite) TestWriteIsAcknowledged() {
	out, _, err := s.ExecuteCommand("write", SensorAddress, "2a6f", "6a756e676c65", "--hex")
	s.Require().NoError(err, "write MUST succeed")
	s.Equal("Write successful\n", out)
}

func (s *WriteTestSuite) TestWriteRunsScript() {
	// GOAL: Script output of the peripheral is shown with --script-output
	_, stderr, err := s.ExecuteCommand("write", SensorAddress, "2a6f", "humid", "--script-output")
	s.Require().NoError(err)
	s.Contains(stderr, "[Environment Sensor] humidity humid\n", "on_write hook output MUST be printed")

	_, stderr, err = s.ExecuteCommand("write", SensorAddress, "2a6f", "humid")
	s.Require().NoError(err)
	s.NotContains(stderr, "humidity humid", "script output MUST stay hidden by default")
}

func (s *WriteTestSuite) TestWriteWithoutResponseInChunks() {
	out, _, err := s.ExecuteCommand("write", SensorAddress, "2a6f", "a fairly long value that spans several packets", "--without-response", "--log-level", "debug")
	s.Require().NoError(err)
	s.Equal("Write successful\n", out)

	out, _, err = s.ExecuteCommand("write", SensorAddress, "2a6f", "abcdef", "--chunk", "2")
	s.Require().NoError(err)
	s.Equal("Write successful\n", out)

	_, _, err = s.ExecuteCommand("write", SensorAddress, "2a6f", "abc", "--chunk", "-1")
	s.ErrorContains(err, "chunk size must not be negative")
}

func (s *WriteTestSuite) TestWriteDescriptor() {
	_, _, err := s.ExecuteCommand("write", SensorAddress, "2901", "Moisture", "--service", "181a", "--char", "2a6f", "--desc", "2901")
	s.Require().NoError(err)

	_, _, err = s.ExecuteCommand("write", SensorAddress, "2902", "0100", "--hex", "--service", "181a", "--char", "2a6e", "--desc", "2902")
	s.ErrorIs(err, device.ATTErrorWriteNotPermitted, "client configuration MUST only change through notify requests")
	s.Contains(FormatUserError(err), "peripheral refused the request")
}

func (s *WriteTestSuite) TestWriteRejected() {
	_, _, err := s.ExecuteCommand("write", SensorAddress, "2a58", "01", "--hex")
	s.ErrorContains(err, "does not support write operations")

	_, _, err = s.ExecuteCommand("write", SensorAddress, "2a6f", "zz", "--hex")
	s.ErrorContains(err, "failed to parse data")

	_, _, err = s.ExecuteCommand("write", SensorAddress, "2a6f")
	s.Error(err, "data argument MUST be required")
}

func TestWriteTestSuite(t *testing.T) {
	suite.Run(t, new(WriteTestSuite))
}
