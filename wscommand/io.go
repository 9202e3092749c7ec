package wscommand

import (
	"encoding/binary"
	"strconv"

	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

// Digital pin levels: {"io":{"set":{"0":true,"5":false}}} and the
// device-originated {"io":{"state":{...}}} with the same body shape.
// Wire format is a pin bitmask pair (which pins + their levels):
// 32-bit masks for unknown hardware, 64-bit starting with model "encored".
type IO struct {
	log  *log2.Log
	hw   Hardware
	wide bool
}

const (
	IOModuleID = uint8(2)
	IOFnSet    = uint8(1)
	IOFnState  = uint8(3)

	// hardware model that grew past 32 pins
	hwModelWide = "encored"
)

func NewIO(log *log2.Log) *IO { return &IO{log: log} }

func (m *IO) ModuleID() uint8 { return IOModuleID }
func (m *IO) Funcs() []uint8  { return []uint8{IOFnSet, IOFnState} }

func (m *IO) Configure(hw Hardware) {
	m.hw = hw
	m.wide = hw.Model == hwModelWide
}

func (m *IO) maskBytes() int {
	if m.wide {
		return 8
	}
	return 4
}

func (m *IO) Compress(dst []byte, obj map[string]interface{}) ([]byte, bool, error) {
	body, ok := asMap(obj["io"])
	if !ok {
		return dst, false, nil
	}
	matched := false
	for _, fn := range []uint8{IOFnSet, IOFnState} {
		name := ioFnName(fn)
		v, found := body[name]
		if !found {
			continue
		}
		pins, ok := asMap(v)
		if !ok {
			return dst, true, errors.Errorf("io %s expects pin map, got %v", name, v)
		}
		payload, err := m.appendMasks(make([]byte, 0, 2*m.maskBytes()), pins)
		if err != nil {
			return dst, true, errors.Annotate(err, "io "+name)
		}
		f := Frame{Module: IOModuleID, Func: fn, Payload: payload}
		if dst, err = f.Append(dst); err != nil {
			return dst, true, errors.Trace(err)
		}
		matched = true
	}
	if !matched {
		return dst, true, errors.Errorf("io command not recognized: %v", body)
	}
	return dst, true, nil
}

func (m *IO) appendMasks(dst []byte, pins map[string]interface{}) ([]byte, error) {
	var pinMask, levelMask uint64
	limit := uint(m.maskBytes() * 8)
	for key, v := range pins {
		pin, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return dst, errors.Errorf("pin key=%q must be a number", key)
		}
		if uint(pin) >= limit {
			return dst, errors.Errorf("pin=%d out of range 0..%d", pin, limit-1)
		}
		level, ok := asBool(v)
		if !ok {
			return dst, errors.Errorf("pin=%d level=%v must be boolean", pin, v)
		}
		pinMask |= 1 << pin
		if level {
			levelMask |= 1 << pin
		}
	}
	if m.wide {
		dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-16:], pinMask)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], levelMask)
	} else {
		dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(dst[len(dst)-8:], uint32(pinMask))
		binary.BigEndian.PutUint32(dst[len(dst)-4:], uint32(levelMask))
	}
	return dst, nil
}

func (m *IO) Parse(fn uint8, payload []byte) (map[string]interface{}, error) {
	name := ioFnName(fn)
	if name == "" {
		return nil, errors.Errorf("io unknown func=%d payload=%x", fn, payload)
	}
	want := 2 * m.maskBytes()
	if len(payload) != want {
		return nil, errors.Errorf("io fn=%d payload=%x expected %d bytes", fn, payload, want)
	}
	var pinMask, levelMask uint64
	if m.wide {
		pinMask = binary.BigEndian.Uint64(payload[:8])
		levelMask = binary.BigEndian.Uint64(payload[8:])
	} else {
		pinMask = uint64(binary.BigEndian.Uint32(payload[:4]))
		levelMask = uint64(binary.BigEndian.Uint32(payload[4:]))
	}
	pins := make(map[string]interface{})
	for pin := uint(0); pin < uint(m.maskBytes()*8); pin++ {
		if pinMask&(1<<pin) != 0 {
			pins[strconv.Itoa(int(pin))] = levelMask&(1<<pin) != 0
		}
	}
	return map[string]interface{}{"io": map[string]interface{}{name: pins}}, nil
}

func ioFnName(fn uint8) string {
	switch fn {
	case IOFnSet:
		return "set"
	case IOFnState:
		return "state"
	}
	return ""
}
