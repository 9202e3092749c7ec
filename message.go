package obniz

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// Notification is one inbound message from the device after cloud
// signalling has been handled internally. System is set when the
// message was recognized as device system traffic; Raw always carries
// the decoded object.
type Notification struct {
	System *SystemEvent
	Raw    map[string]interface{}
}

// WSControl is the cloud signalling envelope under the "ws" key.
type WSControl struct {
	Ready        bool
	Obniz        *DeviceInfo
	LocalConnect *LocalConnect
	Redirect     string
}

// DeviceInfo describes the connected device as reported by the cloud.
type DeviceInfo struct {
	Firmware string
	HW       string
	Metadata map[string]string
}

// LocalConnect advertises a device reachable on the same network.
type LocalConnect struct {
	IP string
}

// SystemEvent is device system traffic under the "system" key.
type SystemEvent struct {
	Pong *PongEvent
}

// PongEvent answers an earlier ping probe.
type PongEvent struct {
	Key int64
}

// decodeInboundText parses one websocket text message. The wire
// carries either a single JSON object or an array of objects.
func decodeInboundText(data []byte) ([]map[string]interface{}, error) {
	data = jsonTrim(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, errors.Annotatef(err, "obniz: inbound=%s", oneLine(data))
		}
		return list, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, errors.Annotatef(err, "obniz: inbound=%s", oneLine(data))
	}
	return []map[string]interface{}{obj}, nil
}

func jsonTrim(b []byte) []byte {
	return bytes.TrimLeft(b, " \t\r\n")
}

func oneLine(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// parseWSControl extracts cloud signalling from one inbound object.
// Returns nil when the object carries no "ws" key.
func parseWSControl(obj map[string]interface{}) *WSControl {
	ws, ok := asMap(obj["ws"])
	if !ok {
		return nil
	}
	wc := &WSControl{}
	if v, ok := asBool(ws["ready"]); ok {
		wc.Ready = v
	} else if _, present := ws["ready"]; present {
		wc.Ready = true
	}
	if info, ok := asMap(ws["obniz"]); ok {
		wc.Obniz = parseDeviceInfo(info)
	}
	if lc, ok := asMap(ws["local_connect"]); ok {
		if ip, ok := asString(lc["ip"]); ok && ip != "" {
			wc.LocalConnect = &LocalConnect{IP: ip}
		}
	}
	if r, ok := asString(ws["redirect"]); ok {
		wc.Redirect = r
	}
	return wc
}

func parseDeviceInfo(info map[string]interface{}) *DeviceInfo {
	di := &DeviceInfo{}
	di.Firmware, _ = asString(info["firmware"])
	di.HW, _ = asString(info["hw"])
	if raw, ok := asString(info["metadata"]); ok && raw != "" {
		// Metadata arrives as a JSON document inside a string.
		// Broken metadata must not break the session.
		var m map[string]string
		if json.Unmarshal([]byte(raw), &m) == nil {
			di.Metadata = m
		}
	}
	return di
}

// parseSystemEvent extracts device system traffic from one inbound
// object. Returns nil when the object carries no "system" key.
func parseSystemEvent(obj map[string]interface{}) *SystemEvent {
	sys, ok := asMap(obj["system"])
	if !ok {
		return nil
	}
	se := &SystemEvent{}
	if pong, ok := asMap(sys["pong"]); ok {
		key, _ := asInt64(pong["key"])
		se.Pong = &PongEvent{Key: key}
	}
	return se
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	}
	return 0, false
}
