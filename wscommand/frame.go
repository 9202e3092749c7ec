package wscommand

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrFrameShort      = fmt.Errorf("frame buffer is too short")
	ErrFrameLenEncode  = fmt.Errorf("frame length encoding is invalid")
	ErrPayloadOverflow = fmt.Errorf("frame payload is too large")
)

const (
	// byte2 high bits select the payload length encoding
	lenShort  = 0 // 6-bit length, 3 byte header
	lenMedium = 1 // 14-bit length, 4 byte header
	lenLong   = 2 // 30-bit length, 6 byte header

	MaxPayload = 0x3fffffff

	// module ids with the high bit set mark device-side error reports
	ModuleErrorFlag = uint8(0x80)
)

// Frame binary representation: field:size in bytes
// module:1 func:1 lentype+length:1/2/4 payload:var
// Payload of a dequeued frame is a view into the receive buffer, not a copy.
type Frame struct {
	Module  uint8
	Func    uint8
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(module=%d func=%d payload=%x)", f.Module, f.Func, f.Payload)
}

// Size returns header+payload length of the serialized frame.
func (f *Frame) Size() int {
	n := len(f.Payload)
	switch {
	case n <= 0x3f:
		return 3 + n
	case n <= 0x3fff:
		return 4 + n
	default:
		return 6 + n
	}
}

// Append serializes the frame at the end of dst.
func (f *Frame) Append(dst []byte) ([]byte, error) {
	n := len(f.Payload)
	switch {
	case n <= 0x3f:
		dst = append(dst, f.Module, f.Func, byte(n))
	case n <= 0x3fff:
		dst = append(dst, f.Module, f.Func, byte(lenMedium<<6)|byte(n>>8), byte(n))
	case n <= MaxPayload:
		dst = append(dst, f.Module, f.Func,
			byte(lenLong<<6)|byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		return dst, errors.Annotatef(ErrPayloadOverflow, "payload=%d max=%d", n, MaxPayload)
	}
	return append(dst, f.Payload...), nil
}

// Dequeue parses one frame from the head of buf and returns the rest of
// the buffer as the cursor to the next frame. Payload aliases buf memory.
func Dequeue(buf []byte) (Frame, []byte, error) {
	var f Frame
	if len(buf) < 3 {
		return f, buf, errors.Annotatef(ErrFrameShort, "header buf=%x", buf)
	}
	f.Module = buf[0]
	f.Func = buf[1]
	var n, header int
	switch buf[2] >> 6 {
	case lenShort:
		n = int(buf[2] & 0x3f)
		header = 3
	case lenMedium:
		if len(buf) < 4 {
			return f, buf, errors.Annotatef(ErrFrameShort, "length16 buf=%x", buf)
		}
		n = int(buf[2]&0x3f)<<8 | int(buf[3])
		header = 4
	case lenLong:
		if len(buf) < 6 {
			return f, buf, errors.Annotatef(ErrFrameShort, "length32 buf=%x", buf)
		}
		n = int(buf[2]&0x3f)<<24 | int(buf[3])<<16 | int(buf[4])<<8 | int(buf[5])
		header = 6
	default:
		return f, buf, errors.Annotatef(ErrFrameLenEncode, "byte=%02x", buf[2])
	}
	if len(buf) < header+n {
		return f, buf, errors.Annotatef(ErrFrameShort, "declared=%d remains=%d", n, len(buf)-header)
	}
	f.Payload = buf[header : header+n : header+n]
	return f, buf[header+n:], nil
}
