package wscommand

import (
	"github.com/juju/errors"
	"github.com/temoto/obniz-go/log2"
)

// Built-in momentary switch: {"switch":{"state":"push"}}.
type Switch struct {
	log *log2.Log
	hw  Hardware
}

const (
	SwitchModuleID = uint8(10)
	SwitchFnState  = uint8(4)
)

var switchPositions = []string{"none", "push", "left", "right"}

func NewSwitch(log *log2.Log) *Switch { return &Switch{log: log} }

func (m *Switch) ModuleID() uint8       { return SwitchModuleID }
func (m *Switch) Funcs() []uint8        { return []uint8{SwitchFnState} }
func (m *Switch) Configure(hw Hardware) { m.hw = hw }

func (m *Switch) Compress(dst []byte, obj map[string]interface{}) ([]byte, bool, error) {
	body, ok := asMap(obj["switch"])
	if !ok {
		return dst, false, nil
	}
	state, ok := body["state"].(string)
	if !ok {
		return dst, true, errors.Errorf("switch command not recognized: %v", body)
	}
	for i, name := range switchPositions {
		if name == state {
			f := Frame{Module: SwitchModuleID, Func: SwitchFnState, Payload: []byte{uint8(i)}}
			out, err := f.Append(dst)
			return out, true, errors.Trace(err)
		}
	}
	return dst, true, errors.Errorf("switch state=%q unknown", state)
}

func (m *Switch) Parse(fn uint8, payload []byte) (map[string]interface{}, error) {
	if fn != SwitchFnState {
		return nil, errors.Errorf("switch unknown func=%d payload=%x", fn, payload)
	}
	if len(payload) != 1 || int(payload[0]) >= len(switchPositions) {
		return nil, errors.Errorf("switch fn=%d payload=%x invalid", fn, payload)
	}
	return map[string]interface{}{"switch": map[string]interface{}{"state": switchPositions[payload[0]]}}, nil
}
