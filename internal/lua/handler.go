package lua

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/device"
	"github.com/srg/blesim/internal/gatt"
	"github.com/srg/blesim/internal/peripheral"
)

// ScriptHandler answers central requests with Lua hooks. Every hook is
// optional; requests without a hook fall back to peripheral.BaseHandler.
//
//	on_connect()                          -> false|code to reject
//	on_disconnect(reason)
//	on_reset()
//	on_read(service, char)                -> value | nil, code
//	on_write(service, char, data)         -> nil | code
//	on_write_command(service, char, data)
//	on_notify(service, char, enabled)     -> nil | code
//	on_read_descriptor(service, char, desc)        -> value | nil, code
//	on_write_descriptor(service, char, desc, data) -> nil | code
//
// A numeric code is an ATT error; a string is returned as a plain error.
// Scripts can call notify(service, char, data), set_value(service, char,
// data), get_value(service, char) and log(message).
type ScriptHandler struct {
	peripheral.BaseHandler

	engine *Engine
	logger *logrus.Logger

	mu      sync.Mutex
	current *peripheral.Specification
}

var _ peripheral.RequestHandler = (*ScriptHandler)(nil)

// NewScriptHandler loads script into a fresh engine.
func NewScriptHandler(name, script string, logger *logrus.Logger) (*ScriptHandler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	h := &ScriptHandler{engine: NewEngine(name, logger), logger: logger}
	h.registerAPI()
	if err := h.engine.Load(script); err != nil {
		h.engine.Close()
		return nil, err
	}
	return h, nil
}

// Engine exposes the script engine, mainly for its output.
func (h *ScriptHandler) Engine() *Engine { return h.engine }

// Close releases the Lua state.
func (h *ScriptHandler) Close() { h.engine.Close() }

// bind records the peripheral the script acts on.
func (h *ScriptHandler) bind(p *peripheral.Specification) {
	h.mu.Lock()
	h.current = p
	h.mu.Unlock()
}

func (h *ScriptHandler) peripheral() *peripheral.Specification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// hook calls name when the script defines it. ok is false when it does not.
func (h *ScriptHandler) hook(p *peripheral.Specification, name string, nresults int, args ...any) (out []any, ok bool, err error) {
	h.bind(p)
	if !h.engine.HasFunction(name) {
		return nil, false, nil
	}
	out, err = h.engine.Call(name, nresults, args...)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"hook":  name,
			"error": err,
		}).Warn("Lua hook failed")
		return nil, true, device.ATTErrorUnlikelyError
	}
	return out, true, nil
}

// resultError maps a hook's status result to an error.
func resultError(v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case bool:
		if v {
			return nil
		}
		return device.ATTErrorUnlikelyError
	case float64:
		if v == 0 {
			return nil
		}
		return device.ATTError(uint8(v))
	case string:
		return errors.New(v)
	}
	return nil
}

func serviceUUID(p *peripheral.Specification, c *gatt.Characteristic) string {
	if tree := p.Services(); tree != nil {
		if s := tree.ServiceOf(c); s != nil {
			return device.UUIDString(s.UUID())
		}
	}
	return ""
}

func (h *ScriptHandler) OnReset(p *peripheral.Specification) {
	h.hook(p, "on_reset", 0)
}

func (h *ScriptHandler) OnConnect(p *peripheral.Specification) error {
	out, ok, err := h.hook(p, "on_connect", 1)
	if !ok {
		return nil
	}
	if err != nil || resultError(out[0]) != nil {
		return device.CBErrorConnectionFailed
	}
	return nil
}

func (h *ScriptHandler) OnDisconnect(p *peripheral.Specification, reason error) {
	var msg any
	if reason != nil {
		msg = reason.Error()
	}
	h.hook(p, "on_disconnect", 0, msg)
}

func (h *ScriptHandler) OnRead(p *peripheral.Specification, c *gatt.Characteristic) ([]byte, error) {
	out, ok, err := h.hook(p, "on_read", 2, serviceUUID(p, c), device.UUIDString(c.UUID()))
	if !ok {
		return h.BaseHandler.OnRead(p, c)
	}
	if err != nil {
		return nil, err
	}
	if s, isString := out[0].(string); isString {
		c.SetValue([]byte(s))
		return []byte(s), nil
	}
	if err := resultError(out[1]); err != nil {
		return nil, err
	}
	return h.BaseHandler.OnRead(p, c)
}

func (h *ScriptHandler) OnWrite(p *peripheral.Specification, c *gatt.Characteristic, data []byte) error {
	out, ok, err := h.hook(p, "on_write", 1, serviceUUID(p, c), device.UUIDString(c.UUID()), data)
	if !ok {
		return h.BaseHandler.OnWrite(p, c, data)
	}
	if err != nil {
		return err
	}
	if err := resultError(out[0]); err != nil {
		return err
	}
	c.SetValue(data)
	return nil
}

func (h *ScriptHandler) OnWriteCommand(p *peripheral.Specification, c *gatt.Characteristic, data []byte) {
	if _, ok, _ := h.hook(p, "on_write_command", 0, serviceUUID(p, c), device.UUIDString(c.UUID()), data); !ok {
		h.BaseHandler.OnWriteCommand(p, c, data)
	}
}

func (h *ScriptHandler) OnSetNotify(p *peripheral.Specification, c *gatt.Characteristic, enabled bool) error {
	if err := h.BaseHandler.OnSetNotify(p, c, enabled); err != nil {
		return err
	}
	out, ok, err := h.hook(p, "on_notify", 1, serviceUUID(p, c), device.UUIDString(c.UUID()), enabled)
	if !ok {
		return nil
	}
	if err != nil {
		return err
	}
	return resultError(out[0])
}

func (h *ScriptHandler) descriptorArgs(p *peripheral.Specification, d *gatt.Descriptor) []any {
	var char, svc string
	if tree := p.Services(); tree != nil {
		if c := tree.CharacteristicOf(d); c != nil {
			char = device.UUIDString(c.UUID())
			svc = serviceUUID(p, c)
		}
	}
	return []any{svc, char, device.UUIDString(d.UUID())}
}

func (h *ScriptHandler) OnReadDescriptor(p *peripheral.Specification, d *gatt.Descriptor) ([]byte, error) {
	out, ok, err := h.hook(p, "on_read_descriptor", 2, h.descriptorArgs(p, d)...)
	if !ok {
		return h.BaseHandler.OnReadDescriptor(p, d)
	}
	if err != nil {
		return nil, err
	}
	if s, isString := out[0].(string); isString {
		return []byte(s), nil
	}
	if err := resultError(out[1]); err != nil {
		return nil, err
	}
	return h.BaseHandler.OnReadDescriptor(p, d)
}

func (h *ScriptHandler) OnWriteDescriptor(p *peripheral.Specification, d *gatt.Descriptor, data []byte) error {
	args := append(h.descriptorArgs(p, d), data)
	out, ok, err := h.hook(p, "on_write_descriptor", 1, args...)
	if !ok {
		return h.BaseHandler.OnWriteDescriptor(p, d, data)
	}
	if err != nil {
		return err
	}
	if err := resultError(out[0]); err != nil {
		return err
	}
	d.SetValue(data)
	return nil
}

// ----------------------------
// Script API
// ----------------------------

func (h *ScriptHandler) registerAPI() {
	h.engine.Register("notify", h.luaNotify)
	h.engine.Register("set_value", h.luaSetValue)
	h.engine.Register("get_value", h.luaGetValue)
	h.engine.Register("log", h.luaLog)
}

// characteristic resolves (service, char) arguments 1 and 2.
func (h *ScriptHandler) characteristic(L *lua.State, fn string) (*peripheral.Specification, *gatt.Characteristic) {
	p := h.peripheral()
	if p == nil {
		L.RaiseError(fn + "() called before the peripheral received any request")
	}
	svc, err := device.ParseUUID(L.CheckString(1))
	if err != nil {
		L.RaiseError(fmt.Sprintf("%s(): %v", fn, err))
	}
	char, err := device.ParseUUID(L.CheckString(2))
	if err != nil {
		L.RaiseError(fmt.Sprintf("%s(): %v", fn, err))
	}

	tree := p.Services()
	var c *gatt.Characteristic
	if tree != nil {
		c = tree.FindCharacteristic(svc, char)
	}
	if c == nil {
		L.RaiseError(fmt.Sprintf("%s(): characteristic %s/%s not found", fn,
			device.UUIDString(svc), device.UUIDString(char)))
	}
	return p, c
}

func (h *ScriptHandler) luaNotify(L *lua.State) int {
	p, c := h.characteristic(L, "notify")
	data := []byte(L.CheckString(3))
	if err := p.SimulateValueUpdate(data, c); err != nil {
		L.RaiseError("notify(): " + err.Error())
	}
	return 0
}

func (h *ScriptHandler) luaSetValue(L *lua.State) int {
	_, c := h.characteristic(L, "set_value")
	c.SetValue([]byte(L.CheckString(3)))
	return 0
}

func (h *ScriptHandler) luaGetValue(L *lua.State) int {
	_, c := h.characteristic(L, "get_value")
	L.PushString(string(c.Value()))
	return 1
}

func (h *ScriptHandler) luaLog(L *lua.State) int {
	h.logger.WithField("script", h.engine.name).Info(L.CheckString(1))
	return 0
}

// Factory adapts NewScriptHandler to scenario loading.
func Factory(logger *logrus.Logger) func(name, script string) (peripheral.RequestHandler, error) {
	return func(name, script string) (peripheral.RequestHandler, error) {
		h, err := NewScriptHandler(name, script, logger)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}
