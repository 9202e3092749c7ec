package wscommand

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

// System commands: {"system":{"ping":{"key":N}}}, {"system":{"pong":{"key":N}}},
// {"system":{"reset":true}}, {"system":{"reboot":true}}.
// Ping/pong carry an opaque 8 byte key, echoed back by the device.
type System struct {
	log *log2.Log
	hw  Hardware
}

const (
	SystemModuleID  = uint8(0)
	SystemFnReset   = uint8(0)
	SystemFnReboot  = uint8(2)
	SystemFnPing    = uint8(8)
	SystemFnPong    = uint8(9)
	systemKeyLength = 8
)

func NewSystem(log *log2.Log) *System { return &System{log: log} }

func (sys *System) ModuleID() uint8 { return SystemModuleID }
func (sys *System) Funcs() []uint8 {
	return []uint8{SystemFnReset, SystemFnReboot, SystemFnPing, SystemFnPong}
}
func (sys *System) Configure(hw Hardware) { sys.hw = hw }

func (sys *System) Compress(dst []byte, obj map[string]interface{}) ([]byte, bool, error) {
	body, ok := asMap(obj["system"])
	if !ok {
		return dst, false, nil
	}
	matched := false
	var err error
	if v, found := body["ping"]; found {
		if dst, err = sys.appendKeyed(dst, SystemFnPing, v); err != nil {
			return dst, true, errors.Annotate(err, "ping")
		}
		matched = true
	}
	if v, found := body["pong"]; found {
		if dst, err = sys.appendKeyed(dst, SystemFnPong, v); err != nil {
			return dst, true, errors.Annotate(err, "pong")
		}
		matched = true
	}
	if v, found := body["reset"]; found {
		if dst, err = sys.appendFlag(dst, SystemFnReset, v); err != nil {
			return dst, true, errors.Annotate(err, "reset")
		}
		matched = true
	}
	if v, found := body["reboot"]; found {
		if dst, err = sys.appendFlag(dst, SystemFnReboot, v); err != nil {
			return dst, true, errors.Annotate(err, "reboot")
		}
		matched = true
	}
	if !matched {
		return dst, true, errors.Errorf("system command not recognized: %v", body)
	}
	return dst, true, nil
}

func (sys *System) appendKeyed(dst []byte, fn uint8, v interface{}) ([]byte, error) {
	body, ok := asMap(v)
	if !ok {
		return dst, errors.Errorf("expected object with key, got %v", v)
	}
	key, ok := asInt(body["key"])
	if !ok {
		return dst, errors.Errorf("key must be integer, got %v", body["key"])
	}
	payload := make([]byte, systemKeyLength)
	binary.BigEndian.PutUint64(payload, uint64(key))
	f := Frame{Module: SystemModuleID, Func: fn, Payload: payload}
	return f.Append(dst)
}

func (sys *System) appendFlag(dst []byte, fn uint8, v interface{}) ([]byte, error) {
	on, ok := asBool(v)
	if !ok {
		return dst, errors.Errorf("expected boolean, got %v", v)
	}
	if !on {
		return dst, nil
	}
	f := Frame{Module: SystemModuleID, Func: fn}
	return f.Append(dst)
}

func (sys *System) Parse(fn uint8, payload []byte) (map[string]interface{}, error) {
	switch fn {
	case SystemFnPing, SystemFnPong:
		if len(payload) != systemKeyLength {
			return nil, errors.Errorf("system fn=%d payload=%x expected %d bytes", fn, payload, systemKeyLength)
		}
		key := int64(binary.BigEndian.Uint64(payload))
		name := "ping"
		if fn == SystemFnPong {
			name = "pong"
		}
		return map[string]interface{}{"system": map[string]interface{}{name: map[string]interface{}{"key": key}}}, nil
	case SystemFnReset:
		return map[string]interface{}{"system": map[string]interface{}{"reset": true}}, nil
	case SystemFnReboot:
		return map[string]interface{}{"system": map[string]interface{}{"reboot": true}}, nil
	}
	return nil, errors.Errorf("system unknown func=%d payload=%x", fn, payload)
}

// SystemPing builds the ping command carrying key, unix time in
// milliseconds by convention.
func SystemPing(key int64) map[string]interface{} {
	return map[string]interface{}{"system": map[string]interface{}{"ping": map[string]interface{}{"key": key}}}
}
