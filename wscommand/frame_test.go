package wscommand_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/wscommand"
)

func TestFrameAppendDequeue(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		f      wscommand.Frame
		expect string
	}{
		{"empty", wscommand.Frame{Module: 0, Func: 0}, "000000"},
		{"ping", wscommand.Frame{Module: 0, Func: 8, Payload: helpers.MustHex("0102030405060708")},
			"0008080102030405060708"},
		{"switch", wscommand.Frame{Module: 10, Func: 4, Payload: helpers.MustHex("01")}, "0a040101"},
		{"io", wscommand.Frame{Module: 2, Func: 1, Payload: helpers.MustHex("ff00")}, "020102ff00"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := c.f.Append(nil)
			require.NoError(t, err)
			assert.Equal(t, c.expect, hex.EncodeToString(b))
			assert.Equal(t, len(b), c.f.Size())

			back, rest, err := wscommand.Dequeue(b)
			require.NoError(t, err)
			assert.Equal(t, c.f.Module, back.Module)
			assert.Equal(t, c.f.Func, back.Func)
			assert.Equal(t, len(c.f.Payload), len(back.Payload))
			assert.True(t, bytes.Equal(c.f.Payload, back.Payload))
			assert.Len(t, rest, 0)
		})
	}
}

func TestFrameLengthEncodings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		payloadLen int
		header     string
	}{
		{0x3f, "63053f"},           // 6-bit length, byte2 is plain 0x3f
		{0x40, "63054040"},         // 14-bit length
		{0x3fff, "63057fff"},       // 14-bit max
		{0x4000, "630580004000"},   // 30-bit length
		{0x012345, "630580012345"}, // 30-bit, several octets used
	}
	for _, c := range cases {
		f := wscommand.Frame{Module: 0x63, Func: 5, Payload: bytes.Repeat([]byte{0xaa}, c.payloadLen)}
		b, err := f.Append(nil)
		require.NoError(t, err)
		hdrLen := len(b) - c.payloadLen
		assert.Equal(t, c.header, hex.EncodeToString(b[:hdrLen]), "payloadLen=%#x", c.payloadLen)
		assert.Equal(t, len(b), f.Size())

		back, rest, err := wscommand.Dequeue(b)
		require.NoError(t, err)
		assert.Len(t, rest, 0)
		assert.Equal(t, c.payloadLen, len(back.Payload))
	}
}

func TestFrameChain(t *testing.T) {
	t.Parallel()

	frames := []wscommand.Frame{
		{Module: 0, Func: 9, Payload: helpers.MustHex("0000000000bc614e")},
		{Module: 2, Func: 3, Payload: helpers.MustHex("0000002100000001")},
		{Module: 10, Func: 4, Payload: helpers.MustHex("02")},
	}
	var buf []byte
	var err error
	for _, f := range frames {
		buf, err = f.Append(buf)
		require.NoError(t, err)
	}

	rest := buf
	for i := 0; len(rest) > 0; i++ {
		var f wscommand.Frame
		f, rest, err = wscommand.Dequeue(rest)
		require.NoError(t, err)
		assert.Equal(t, frames[i].Module, f.Module)
		assert.Equal(t, frames[i].Func, f.Func)
		assert.True(t, bytes.Equal(frames[i].Payload, f.Payload))
	}
}

func TestDequeueErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		buf  string
	}{
		{"empty-header", "0008"},
		{"truncated-payload", "000804deadbe"},
		{"truncated-length16", "000840"},
		{"truncated-length32", "00088000"},
		{"bad-length-type", "0008c0"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, rest, err := wscommand.Dequeue(helpers.MustHex(c.buf))
			assert.Error(t, err)
			assert.Equal(t, c.buf, hex.EncodeToString(rest))
		})
	}
}
