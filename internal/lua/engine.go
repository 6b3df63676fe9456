package lua

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesim/internal/ringchan"
)

// OutputRecord is one line a script printed.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// ScriptError describes a failed load or call.
type ScriptError struct {
	Kind    string // "syntax", "runtime" or "api"
	Source  string
	Line    int
	Message string
	Err     error
}

func (e *ScriptError) Error() string {
	var where []string
	if e.Source != "" {
		where = append(where, "in "+e.Source)
	}
	if e.Line > 0 {
		where = append(where, fmt.Sprintf("line %d", e.Line))
	}
	if len(where) == 0 {
		return fmt.Sprintf("lua %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("lua %s error (%s): %s", e.Kind, strings.Join(where, ", "), e.Message)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Is matches another ScriptError of the same kind.
func (e *ScriptError) Is(target error) bool {
	var other *ScriptError
	return errors.As(target, &other) && other.Kind == e.Kind
}

// Engine owns one Lua state. Every access is serialized.
type Engine struct {
	name   string
	logger *logrus.Logger
	output *ringchan.Channel[OutputRecord]

	mu    sync.Mutex
	state *lua.State
}

// DefaultOutputCapacity bounds buffered print output.
const DefaultOutputCapacity = 256

// NewEngine creates a Lua state with the standard libraries and print
// redirected to the engine output.
func NewEngine(name string, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		name:   name,
		logger: logger,
		output: ringchan.New[OutputRecord](DefaultOutputCapacity),
	}
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	return e
}

func (e *Engine) resetLocked() {
	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.state.Register("print", e.print)
}

// Output delivers printed lines.
func (e *Engine) Output() <-chan OutputRecord { return e.output.C() }

func (e *Engine) emit(source, content string) {
	e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source})
}

func (e *Engine) print(L *lua.State) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		switch {
		case L.IsNil(i):
			parts = append(parts, "nil")
		case L.IsBoolean(i):
			parts = append(parts, fmt.Sprint(L.ToBoolean(i)))
		case L.IsNumber(i):
			parts = append(parts, fmt.Sprint(L.ToNumber(i)))
		case L.IsString(i):
			parts = append(parts, L.ToString(i))
		default:
			L.GetGlobal("tostring")
			L.PushValue(i)
			L.Call(1, 1)
			parts = append(parts, L.ToString(-1))
			L.Pop(1)
		}
	}
	e.emit("stdout", strings.Join(parts, "\t")+"\n")
	return 0
}

// Load runs script in the current state, defining its functions.
func (e *Engine) Load(script string) error {
	if strings.TrimSpace(script) == "" {
		return &ScriptError{Kind: "api", Source: e.name, Message: "empty script"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &ScriptError{Kind: "api", Source: e.name, Message: "engine is closed"}
	}

	if status := e.state.LoadString(script); status != 0 {
		err := e.popError("syntax")
		e.emit("stderr", err.Error())
		return err
	}
	if err := e.state.Call(0, 0); err != nil {
		serr := &ScriptError{Kind: "runtime", Source: e.name, Message: err.Error(), Err: err}
		e.emit("stderr", serr.Error())
		return serr
	}
	return nil
}

// popError turns the error message on top of the stack into a ScriptError.
func (e *Engine) popError(kind string) *ScriptError {
	L := e.state
	msg := "unknown lua error"
	if L.GetTop() > 0 {
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
	}

	line := 0
	// chunk messages look like `[string "..."]:3: unexpected symbol`
	if parts := strings.SplitN(msg, "]:", 2); len(parts) == 2 {
		if n, err := fmt.Sscanf(parts[1], "%d:", &line); n == 1 && err == nil {
			if idx := strings.Index(parts[1], ":"); idx >= 0 {
				msg = strings.TrimSpace(parts[1][idx+1:])
			}
		}
	}
	return &ScriptError{Kind: kind, Source: e.name, Line: line, Message: msg}
}

// Register exposes fn to scripts as a global function.
func (e *Engine) Register(name string, fn lua.LuaGoFunction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Register(name, fn)
	}
}

// HasFunction reports whether the script defines a global function name.
func (e *Engine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false
	}
	e.state.GetGlobal(name)
	defer e.state.Pop(1)
	return e.state.IsFunction(-1)
}

// Call invokes the global function name with args and returns up to nresults
// values. Strings, []byte, bools, integers, floats and nil are supported in
// both directions; byte slices arrive in Lua as strings.
func (e *Engine) Call(name string, nresults int, args ...any) ([]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, &ScriptError{Kind: "api", Source: e.name, Message: "engine is closed"}
	}
	L := e.state

	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(name)
	if !L.IsFunction(-1) {
		return nil, &ScriptError{Kind: "api", Source: e.name, Message: fmt.Sprintf("function %s is not defined", name)}
	}
	for _, a := range args {
		if err := push(L, a); err != nil {
			return nil, &ScriptError{Kind: "api", Source: e.name, Message: err.Error()}
		}
	}

	if err := L.Call(len(args), nresults); err != nil {
		serr := &ScriptError{Kind: "runtime", Source: name, Message: err.Error(), Err: err}
		e.emit("stderr", serr.Error())
		return nil, serr
	}

	out := make([]any, nresults)
	for i := 0; i < nresults; i++ {
		out[i] = value(L, top+1+i)
	}
	return out, nil
}

func push(L *lua.State, v any) error {
	switch v := v.(type) {
	case nil:
		L.PushNil()
	case string:
		L.PushString(v)
	case []byte:
		L.PushString(string(v))
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(int64(v))
	case int64:
		L.PushInteger(v)
	case float64:
		L.PushNumber(v)
	default:
		return fmt.Errorf("unsupported argument type %T", v)
	}
	return nil
}

func value(L *lua.State, idx int) any {
	switch {
	case L.IsNil(idx):
		return nil
	case L.IsBoolean(idx):
		return L.ToBoolean(idx)
	case L.Type(idx) == lua.LUA_TNUMBER:
		return L.ToNumber(idx)
	case L.IsString(idx):
		return L.ToString(idx)
	}
	return nil
}

// Reset discards every definition and starts a fresh state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// Close releases the Lua state and ends the output stream.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	e.output.Close()
}
