package obniz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundText(t *testing.T) {
	t.Parallel()

	objs, err := decodeInboundText([]byte(`{"io":{"state":{"0":true}}}`))
	require.NoError(t, err)
	require.Len(t, objs, 1)

	objs, err = decodeInboundText([]byte(` [{"a":1},{"b":2}]`))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Contains(t, objs[0], "a")
	assert.Contains(t, objs[1], "b")

	objs, err = decodeInboundText([]byte("  \r\n"))
	require.NoError(t, err)
	assert.Empty(t, objs)

	_, err = decodeInboundText([]byte(`{"broken`))
	require.Error(t, err)
}

func TestParseWSControl(t *testing.T) {
	t.Parallel()

	raw := `{"ws":{"ready":true,"obniz":{"hw":"obnizb1","firmware":"3.5.0","metadata":"{\"description\":\"lab bench\"}"},"local_connect":{"ip":"192.168.0.7"}}}`
	objs, err := decodeInboundText([]byte(raw))
	require.NoError(t, err)
	require.Len(t, objs, 1)

	wc := parseWSControl(objs[0])
	require.NotNil(t, wc)
	assert.True(t, wc.Ready)
	require.NotNil(t, wc.Obniz)
	assert.Equal(t, "obnizb1", wc.Obniz.HW)
	assert.Equal(t, "3.5.0", wc.Obniz.Firmware)
	assert.Equal(t, map[string]string{"description": "lab bench"}, wc.Obniz.Metadata)
	require.NotNil(t, wc.LocalConnect)
	assert.Equal(t, "192.168.0.7", wc.LocalConnect.IP)
	assert.Equal(t, "", wc.Redirect)

	redirect := parseWSControl(map[string]interface{}{
		"ws": map[string]interface{}{"redirect": "wss://ws2.obniz.io/1111-2222/ws/1"},
	})
	require.NotNil(t, redirect)
	assert.Equal(t, "wss://ws2.obniz.io/1111-2222/ws/1", redirect.Redirect)
	assert.False(t, redirect.Ready)

	// broken metadata must not break the handshake
	half := parseWSControl(map[string]interface{}{
		"ws": map[string]interface{}{"obniz": map[string]interface{}{"hw": "x", "metadata": "{oops"}},
	})
	require.NotNil(t, half)
	require.NotNil(t, half.Obniz)
	assert.Equal(t, "x", half.Obniz.HW)
	assert.Nil(t, half.Obniz.Metadata)

	assert.Nil(t, parseWSControl(map[string]interface{}{"io": map[string]interface{}{}}))
}

func TestParseSystemEvent(t *testing.T) {
	t.Parallel()

	objs, err := decodeInboundText([]byte(`{"system":{"pong":{"key":12345}}}`))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	se := parseSystemEvent(objs[0])
	require.NotNil(t, se)
	require.NotNil(t, se.Pong)
	assert.EqualValues(t, 12345, se.Pong.Key)

	assert.Nil(t, parseSystemEvent(map[string]interface{}{"io": map[string]interface{}{}}))
}
