package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/blesim/inspector"
	"github.com/stretchr/testify/suite"
)

type SubscribeTestSuite struct {
	CommandTestSuite
}

func (s *SubscribeTestSuite) TestParseStreamMode() {
	tests := []struct {
		in   string
		want StreamMode
	}{
		{"live", StreamEveryUpdate},
		{"Instant", StreamEveryUpdate},
		{"every", StreamEveryUpdate},
		{"batched", StreamBatched},
		{"batch", StreamBatched},
		{"latest", StreamLatest},
		{"AGGREGATED", StreamLatest},
	}
	for _, tt := range tests {
		got, err := parseStreamMode(tt.in)
		s.Require().NoError(err, "mode %q MUST parse", tt.in)
		s.Equal(tt.want, got, "mode %q", tt.in)
	}

	_, err := parseStreamMode("sometimes")
	s.ErrorContains(err, `invalid mode "sometimes"`)
}

func (s *SubscribeTestSuite) TestArgumentErrors() {
	_, _, err := s.ExecuteCommand("subscribe", SensorAddress)
	s.ErrorContains(err, "specify characteristic UUID(s)")

	_, _, err = s.ExecuteCommand("subscribe", SensorAddress, "2a6e", "--mode", "sometimes")
	s.ErrorContains(err, "invalid mode")

	_, _, err = s.ExecuteCommand("subscribe", SensorAddress, "2a6e", "--mode", "batched", "--rate", "0s")
	s.ErrorContains(err, "rate must be positive")

	_, _, err = s.ExecuteCommand("subscribe", SensorAddress, "2a6f")
	s.ErrorContains(err, "does not support notifications")

	_, _, err = s.ExecuteCommand("subscribe", TagAddress, "--service", "180f")
	s.ErrorContains(err, "no notifiable characteristics found")
}

func (s *SubscribeTestSuite) TestSubscribeUntilInterrupted() {
	out, stderr, err := s.ExecuteCommandWithTimeout(300*time.Millisecond, "subscribe", SensorAddress, "2a6e")
	s.Require().NoError(err, "Ctrl+C MUST end a subscription cleanly")
	s.Contains(stderr, "Subscribed to 2a6e (Temperature). Press Ctrl+C to stop...")
	s.Empty(out, "nothing MUST be printed without updates")

	// whole service keeps only the notifiable characteristics
	_, stderr, err = s.ExecuteCommandWithTimeout(300*time.Millisecond, "subscribe", SensorAddress, "--service", "181a")
	s.Require().NoError(err)
	s.Contains(stderr, "Subscribed to 2a6e (Temperature).")

	_, stderr, err = s.ExecuteCommandWithTimeout(300*time.Millisecond, "subscribe", SensorAddress, "2a6e,2a19")
	s.Require().NoError(err)
	s.Contains(stderr, "Subscribed to 2 characteristics.")
}

func (s *SubscribeTestSuite) TestStreamEveryUpdate() {
	// GOAL: Values pushed by the peripheral reach the output in order
	session, _ := s.ConnectSensor()
	temperature, err := session.FindCharacteristic("2a6e")
	s.Require().NoError(err)
	humidity, err := session.FindCharacteristic("2a6f")
	s.Require().NoError(err)

	ch, err := session.Subscribe(s.Ctx, temperature, 8)
	s.Require().NoError(err)

	var out strings.Builder
	p := &notificationPrinter{w: &out, limit: 2}
	done := make(chan error, 1)
	go func() { done <- p.stream(s.Ctx, session, ch, StreamEveryUpdate, 0) }()

	// the scenario script echoes humidity writes as temperature updates
	s.Require().NoError(session.Write(s.Ctx, humidity, []byte("first"), true))
	s.Require().NoError(session.Write(s.Ctx, humidity, []byte("second"), true))

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(3 * time.Second):
		s.FailNow("stream MUST stop after the count is reached")
	}
	s.Equal("first\nsecond\n", out.String())
}

func (s *SubscribeTestSuite) TestStreamBatchedWithPrefix() {
	session, _ := s.ConnectSensor()
	temperature, err := session.FindCharacteristic("2a6e")
	s.Require().NoError(err)
	battery, err := session.FindCharacteristic("2a19")
	s.Require().NoError(err)

	in := make(chan inspector.Notification, 3)
	in <- inspector.Notification{Characteristic: temperature, Value: []byte{0x01}}
	in <- inspector.Notification{Characteristic: battery, Value: []byte{0x63}}
	in <- inspector.Notification{Characteristic: temperature, Value: []byte{0x02}}

	var out strings.Builder
	p := &notificationPrinter{w: &out, hex: true, prefix: true, limit: 3}
	s.Require().NoError(p.stream(s.Ctx, session, in, StreamBatched, 30*time.Millisecond))
	s.Equal("2a6e: 01\n2a19: 63\n2a6e: 02\n", out.String())
}

func (s *SubscribeTestSuite) TestStreamLatestKeepsLastValue() {
	session, _ := s.ConnectSensor()
	temperature, err := session.FindCharacteristic("2a6e")
	s.Require().NoError(err)

	in := make(chan inspector.Notification, 3)
	for _, v := range []string{"1", "2", "3"} {
		in <- inspector.Notification{Characteristic: temperature, Value: []byte(v)}
	}

	var out strings.Builder
	p := &notificationPrinter{w: &out, limit: 1}
	s.Require().NoError(p.stream(s.Ctx, session, in, StreamLatest, 30*time.Millisecond))
	s.Equal("3\n", out.String(), "latest mode MUST print only the newest value")
}

func (s *SubscribeTestSuite) TestStreamEndsOnDisconnect() {
	session, sensor := s.ConnectSensor()

	var out strings.Builder
	p := &notificationPrinter{w: &out}
	done := make(chan error, 1)
	go func() { done <- p.stream(s.Ctx, session, make(chan inspector.Notification), StreamEveryUpdate, 0) }()

	s.True(sensor.SimulateDisconnection(nil), "connected sensor MUST accept the fault")
	select {
	case err := <-done:
		s.ErrorIs(err, ErrConnectionLost)
	case <-time.After(3 * time.Second):
		s.FailNow("stream MUST end when the link drops")
	}
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}
