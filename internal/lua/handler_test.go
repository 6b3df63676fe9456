package lua

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

type ScriptHandlerTestSuite struct {
	suite.Suite

	logger  *logrus.Logger
	level   *gatt.Characteristic
	control *gatt.Characteristic
	label   *gatt.Descriptor
	battery *gatt.Service
}

func (s *ScriptHandlerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.ErrorLevel)

	s.label = gatt.NewDescriptor(gatt.DescriptorUserDescription, []byte("Level"))
	s.level = gatt.NewCharacteristic(ble.UUID16(0x2A19), ble.CharRead|ble.CharNotify, []byte{80},
		s.label, gatt.NewDescriptor(gatt.DescriptorClientConfig, []byte{0, 0}))
	s.control = gatt.NewCharacteristic(ble.UUID16(0x2A9F), ble.CharWrite|ble.CharWriteNR, nil)
	s.battery = gatt.NewService(ble.UUID16(0x180F), s.level, s.control)
}

// build loads script and attaches it to a battery peripheral.
func (s *ScriptHandlerTestSuite) build(script string) (*ScriptHandler, *peripheral.Specification) {
	h, err := NewScriptHandler("battery", script, s.logger)
	s.Require().NoError(err)
	s.T().Cleanup(h.Close)

	p := peripheral.NewBuilder().
		Connectable("Battery", []*gatt.Service{s.battery}, h).
		MustBuild()
	return h, p
}

func (s *ScriptHandlerTestSuite) TestMissingHooksFallBackToBaseHandler() {
	h, p := s.build(`-- no hooks`)

	value, err := h.OnRead(p, s.level)
	s.Require().NoError(err)
	s.Equal([]byte{80}, value)

	_, err = h.OnRead(p, s.control)
	s.ErrorIs(err, device.ATTErrorReadNotPermitted)
	s.NoError(h.OnConnect(p))
	s.ErrorIs(h.OnSetNotify(p, s.control, true), device.ATTErrorRequestNotSupported)
	s.ErrorIs(h.OnWriteDescriptor(p, s.level.DescriptorByUUID(gatt.DescriptorClientConfig), []byte{1, 0}),
		device.ATTErrorWriteNotPermitted, "client configuration MUST stay owned by the central")
}

func (s *ScriptHandlerTestSuite) TestReadHook() {
	h, p := s.build(`
		function on_read(service, char)
			if char == "2a19" then return "\42" end
			return nil, 2
		end
	`)

	value, err := h.OnRead(p, s.level)
	s.Require().NoError(err)
	s.Equal([]byte{42}, value)
	s.Equal([]byte{42}, s.level.Value(), "returned value MUST be stored")

	_, err = h.OnRead(p, s.control)
	s.ErrorIs(err, device.ATTErrorReadNotPermitted)
}

func (s *ScriptHandlerTestSuite) TestWriteHook() {
	h, p := s.build(`
		function on_write(service, char, data)
			if service ~= "180f" then return "wrong service" end
			if data == "\255" then return 0x13 end
		end
	`)

	s.Require().NoError(h.OnWrite(p, s.control, []byte{0x01}))
	s.Equal([]byte{0x01}, s.control.Value())

	err := h.OnWrite(p, s.control, []byte{0xFF})
	s.ErrorIs(err, device.ATTError(0x13))
	s.Equal([]byte{0x01}, s.control.Value(), "rejected write MUST NOT be stored")
}

func (s *ScriptHandlerTestSuite) TestStringResultIsPlainError() {
	h, p := s.build(`function on_write() return "busy" end`)

	err := h.OnWrite(p, s.control, []byte{0x01})
	s.Require().Error(err)
	s.Equal("busy", err.Error())
	var att device.ATTError
	s.False(errors.As(err, &att))
}

func (s *ScriptHandlerTestSuite) TestConnectRejection() {
	cases := []struct {
		name   string
		script string
		reject bool
	}{
		{"accept by default", `function on_connect() end`, false},
		{"accept with true", `function on_connect() return true end`, false},
		{"reject with false", `function on_connect() return false end`, true},
		{"reject with code", `function on_connect() return 0x0E end`, true},
		{"reject on runtime error", `function on_connect() error("nope") end`, true},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			h, p := s.build(tc.script)
			err := h.OnConnect(p)
			if tc.reject {
				s.ErrorIs(err, device.CBErrorConnectionFailed)
			} else {
				s.NoError(err)
			}
		})
	}
}

func (s *ScriptHandlerTestSuite) TestRuntimeErrorIsUnlikelyError() {
	h, p := s.build(`function on_read() error("broken") end`)

	_, err := h.OnRead(p, s.level)
	s.ErrorIs(err, device.ATTErrorUnlikelyError)
}

func (s *ScriptHandlerTestSuite) TestWriteCommandCanNotify() {
	h, p := s.build(`
		function on_write_command(service, char, data)
			set_value(service, char, data)
			notify("180f", "2a19", data)
		end
	`)

	h.OnWriteCommand(p, s.control, []byte{0x07})
	s.Equal([]byte{0x07}, s.control.Value())
	s.Equal([]byte{0x07}, s.level.Value(), "notify() MUST update the template value")
}

func (s *ScriptHandlerTestSuite) TestGetValueAndLog() {
	h, p := s.build(`
		function on_read(service, char)
			log("reading " .. char)
			return get_value(service, char) .. "\1"
		end
	`)

	value, err := h.OnRead(p, s.level)
	s.Require().NoError(err)
	s.Equal([]byte{80, 1}, value)
}

func (s *ScriptHandlerTestSuite) TestUnknownCharacteristicInScriptAPI() {
	h, p := s.build(`function on_reset() set_value("180f", "2a00", "x") end`)

	// the failure surfaces in the logs and leaves the tree untouched
	h.OnReset(p)
	s.Equal([]byte{80}, s.level.Value())
}

func (s *ScriptHandlerTestSuite) TestNotifyHookSeesEnabledFlag() {
	h, p := s.build(`
		function on_notify(service, char, enabled)
			if not enabled then return 0x0E end
		end
	`)

	s.NoError(h.OnSetNotify(p, s.level, true))
	s.ErrorIs(h.OnSetNotify(p, s.level, false), device.ATTErrorUnlikelyError)
	s.ErrorIs(h.OnSetNotify(p, s.control, true), device.ATTErrorRequestNotSupported,
		"characteristics without notify MUST be rejected before the hook")
}

func (s *ScriptHandlerTestSuite) TestDescriptorHooks() {
	h, p := s.build(`
		function on_read_descriptor(service, char, desc)
			return service .. "/" .. char .. "/" .. desc
		end
		function on_write_descriptor(service, char, desc, data)
			if data == "" then return 0x0D end
		end
	`)

	value, err := h.OnReadDescriptor(p, s.label)
	s.Require().NoError(err)
	s.Equal("180f/2a19/2901", string(value))

	s.ErrorIs(h.OnWriteDescriptor(p, s.label, []byte{}), device.ATTErrorInvalidAttributeValueLength)
	s.Require().NoError(h.OnWriteDescriptor(p, s.label, []byte("Charge")))
	s.Equal([]byte("Charge"), s.label.Value())
}

func (s *ScriptHandlerTestSuite) TestDisconnectReason() {
	h, p := s.build(`
		function on_disconnect(reason) last_reason = reason end
		function reason() return last_reason end
	`)

	h.OnDisconnect(p, device.CBErrorConnectionTimeout)
	out, err := h.Engine().Call("reason", 1)
	s.Require().NoError(err)
	s.Equal(device.CBErrorConnectionTimeout.Error(), out[0])

	h.OnDisconnect(p, nil)
	out, err = h.Engine().Call("reason", 1)
	s.Require().NoError(err)
	s.Nil(out[0])
}

func (s *ScriptHandlerTestSuite) TestLoadFailures() {
	_, err := NewScriptHandler("bad", "function (", s.logger)
	s.ErrorIs(err, &ScriptError{Kind: "syntax"})

	_, err = NewScriptHandler("early", `notify("180f", "2a19", "x")`, s.logger)
	s.ErrorIs(err, &ScriptError{Kind: "runtime"}, "script API MUST need a peripheral")
}

func (s *ScriptHandlerTestSuite) TestFactory() {
	factory := Factory(s.logger)

	h, err := factory("ok", `function on_reset() end`)
	s.Require().NoError(err)
	s.IsType(&ScriptHandler{}, h)

	h, err = factory("bad", "function (")
	s.Error(err)
	s.Nil(h, "failed factory MUST return a nil interface")
}

func TestScriptHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(ScriptHandlerTestSuite))
}
