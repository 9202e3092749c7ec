package wscommand

import (
	"encoding/binary"

	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

// Analog measurement: {"ad":{"get":{"pin":N}}} requests one reading,
// {"ad":{"value":{"pin":N,"millivolts":M}}} carries it back.
type AD struct {
	log *log2.Log
	hw  Hardware
}

const (
	ADModuleID = uint8(5)
	ADFnGet    = uint8(1)
	ADFnValue  = uint8(8)
)

func NewAD(log *log2.Log) *AD { return &AD{log: log} }

func (m *AD) ModuleID() uint8       { return ADModuleID }
func (m *AD) Funcs() []uint8        { return []uint8{ADFnGet, ADFnValue} }
func (m *AD) Configure(hw Hardware) { m.hw = hw }

func (m *AD) Compress(dst []byte, obj map[string]interface{}) ([]byte, bool, error) {
	body, ok := asMap(obj["ad"])
	if !ok {
		return dst, false, nil
	}
	matched := false
	if v, found := body["get"]; found {
		args, ok := asMap(v)
		if !ok {
			return dst, true, errors.Errorf("ad get expects object, got %v", v)
		}
		pin, err := adPin(args)
		if err != nil {
			return dst, true, errors.Annotate(err, "ad get")
		}
		f := Frame{Module: ADModuleID, Func: ADFnGet, Payload: []byte{pin}}
		if dst, err = f.Append(dst); err != nil {
			return dst, true, errors.Trace(err)
		}
		matched = true
	}
	if v, found := body["value"]; found {
		args, ok := asMap(v)
		if !ok {
			return dst, true, errors.Errorf("ad value expects object, got %v", v)
		}
		pin, err := adPin(args)
		if err != nil {
			return dst, true, errors.Annotate(err, "ad value")
		}
		mv, ok := asInt(args["millivolts"])
		if !ok || mv < 0 || mv > 0xffff {
			return dst, true, errors.Errorf("ad value millivolts=%v out of range", args["millivolts"])
		}
		payload := []byte{pin, 0, 0}
		binary.BigEndian.PutUint16(payload[1:], uint16(mv))
		f := Frame{Module: ADModuleID, Func: ADFnValue, Payload: payload}
		if dst, err = f.Append(dst); err != nil {
			return dst, true, errors.Trace(err)
		}
		matched = true
	}
	if !matched {
		return dst, true, errors.Errorf("ad command not recognized: %v", body)
	}
	return dst, true, nil
}

func adPin(args map[string]interface{}) (uint8, error) {
	pin, ok := asInt(args["pin"])
	if !ok || pin < 0 || pin > 0xff {
		return 0, errors.Errorf("pin=%v out of range", args["pin"])
	}
	return uint8(pin), nil
}

func (m *AD) Parse(fn uint8, payload []byte) (map[string]interface{}, error) {
	switch fn {
	case ADFnGet:
		if len(payload) != 1 {
			return nil, errors.Errorf("ad fn=%d payload=%x expected 1 byte", fn, payload)
		}
		return map[string]interface{}{"ad": map[string]interface{}{"get": map[string]interface{}{"pin": int64(payload[0])}}}, nil
	case ADFnValue:
		if len(payload) != 3 {
			return nil, errors.Errorf("ad fn=%d payload=%x expected 3 bytes", fn, payload)
		}
		return map[string]interface{}{"ad": map[string]interface{}{"value": map[string]interface{}{
			"pin":        int64(payload[0]),
			"millivolts": int64(binary.BigEndian.Uint16(payload[1:])),
		}}}, nil
	}
	return nil, errors.Errorf("ad unknown func=%d payload=%x", fn, payload)
}
