// Package wscommand translates structured command objects to and from
// compact binary frames. Each capability area owns one codec module;
// a registry holds the per-session ordered module set.
package wscommand

import (
	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

// Hardware is the device identity negotiated by the ready handshake.
// Zero value stands for unknown hardware before the handshake.
type Hardware struct {
	Model    string
	Firmware string
}

func (hw Hardware) Known() bool { return hw.Model != "" || hw.Firmware != "" }

// Module is a capability-scoped codec.
// Implementations are configured once per session and are read-only
// afterwards, safe for concurrent Compress/Parse without locking.
type Module interface {
	ModuleID() uint8

	// Funcs lists function ids the module understands.
	Funcs() []uint8

	// Configure delivers negotiated hardware identity. Called once per
	// session, before any Compress/Parse on that session.
	Configure(hw Hardware)

	// Compress appends binary frames for a recognized command object to
	// dst. ok=false means the object shape belongs to another module.
	Compress(dst []byte, obj map[string]interface{}) (out []byte, ok bool, err error)

	// Parse reconstructs a partial notification object from one frame.
	Parse(fn uint8, payload []byte) (map[string]interface{}, error)
}

// Registry is the per-session ordered module set. Never a process-wide
// singleton: construct one for each connection.
type Registry struct {
	log     *log2.Log
	modules []Module
	hw      Hardware
}

func NewRegistry(log *log2.Log) *Registry {
	r := &Registry{log: log}
	r.modules = []Module{
		NewSystem(log),
		NewIO(log),
		NewAD(log),
		NewSwitch(log),
	}
	return r
}

func (r *Registry) Modules() []Module  { return r.modules }
func (r *Registry) Hardware() Hardware { return r.hw }

// Configure propagates negotiated hardware identity to every module.
func (r *Registry) Configure(hw Hardware) {
	r.hw = hw
	for _, m := range r.modules {
		m.Configure(hw)
	}
}

// Compress encodes obj through the first module that recognizes its
// shape, in registration order. ok=false with nil error means no module
// matched and the object should be sent as plain text instead.
func (r *Registry) Compress(obj map[string]interface{}) ([]byte, bool, error) {
	for _, m := range r.modules {
		out, ok, err := m.Compress(nil, obj)
		if err != nil {
			r.log.Errorf("wscommand compress module=%d obj=%v err=%v", m.ModuleID(), obj, err)
			return nil, true, errors.Annotatef(err, "module=%d", m.ModuleID())
		}
		if ok {
			return out, true, nil
		}
	}
	return nil, false, nil
}

// Decode parses every frame in buf, best-effort: a failed frame is
// logged and skipped without aborting the rest of the buffer, except
// when the header itself is broken and the cursor is lost.
func (r *Registry) Decode(buf []byte) []map[string]interface{} {
	var out []map[string]interface{}
	rest := buf
	for len(rest) > 0 {
		f, next, err := Dequeue(rest)
		if err != nil {
			r.log.Errorf("wscommand decode err=%v rest=%x", err, rest)
			break
		}
		rest = next
		if f.Module&ModuleErrorFlag != 0 {
			r.log.Errorf("device error module=%d func=%d payload=%x", f.Module&^ModuleErrorFlag, f.Func, f.Payload)
			continue
		}
		m := r.module(f.Module)
		if m == nil {
			r.log.Debugf("wscommand decode unknown module=%d func=%d payload=%x", f.Module, f.Func, f.Payload)
			continue
		}
		obj, err := m.Parse(f.Func, f.Payload)
		if err != nil {
			r.log.Errorf("wscommand parse %s err=%v", f.String(), err)
			continue
		}
		out = append(out, obj)
	}
	return out
}

func (r *Registry) module(id uint8) Module {
	for _, m := range r.modules {
		if m.ModuleID() == id {
			return m
		}
	}
	return nil
}

// asInt coerces JSON-ish numeric values. encoding/json produces float64,
// module Parse produces int64, callers may pass plain int.
func asInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	case float32:
		return int64(x), true
	}
	return 0, false
}

// asMap unwraps one nesting level of a command object.
func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// asBool accepts JSON booleans and 0/1 numerics.
func asBool(v interface{}) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	default:
		if n, ok := asInt(v); ok {
			return n != 0, true
		}
	}
	return false, false
}
