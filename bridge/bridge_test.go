package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	obniz "github.com/temoto/obniz-go"
	"github.com/temoto/obniz-go/log2"
	"github.com/temoto/spq"
)

type mockResponse struct {
	topic   string
	payload []byte
}

type transportMock struct {
	t              testing.TB
	onCommand      func([]byte) bool
	networkTimeout time.Duration
	failEvents     int32
	outEvent       chan []byte
	outStatus      chan []byte
	outResponse    chan mockResponse
}

func newTransportMock(t testing.TB) *transportMock {
	return &transportMock{
		t:              t,
		networkTimeout: 5 * time.Second,
		outEvent:       make(chan []byte, 32),
		outStatus:      make(chan []byte, 32),
		outResponse:    make(chan mockResponse, 32),
	}
}

func (self *transportMock) Init(ctx context.Context, log *log2.Log, config *Config, onCommand CommandFunc) error {
	self.onCommand = func(payload []byte) bool {
		self.t.Logf("mock command=%s", payload)
		return onCommand(ctx, payload)
	}
	return nil
}

func (self *transportMock) Close() {}

func (self *transportMock) SendEvent(payload []byte) bool {
	if atomic.LoadInt32(&self.failEvents) > 0 {
		atomic.AddInt32(&self.failEvents, -1)
		self.t.Logf("mock refused event=%s", payload)
		return false
	}
	select {
	case self.outEvent <- payload:
		self.t.Logf("mock delivered event=%s", payload)
	case <-time.After(self.networkTimeout):
		self.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (self *transportMock) SendStatus(payload []byte) bool {
	select {
	case self.outStatus <- payload:
		self.t.Logf("mock delivered status=%s", payload)
	case <-time.After(self.networkTimeout):
		self.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (self *transportMock) SendResponse(topicSuffix string, payload []byte) bool {
	select {
	case self.outResponse <- mockResponse{topic: topicSuffix, payload: payload}:
		self.t.Logf("mock delivered topic=%s response=%s", topicSuffix, payload)
	case <-time.After(self.networkTimeout):
		self.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (self *transportMock) Command(t testing.TB, payload string) {
	require.NotNil(t, self.onCommand)
	self.onCommand([]byte(payload))
}

func (self *transportMock) nextEvent(t testing.TB) Event {
	select {
	case b := <-self.outEvent:
		var ev Event
		require.NoError(t, json.Unmarshal(b, &ev))
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting event")
		return Event{}
	}
}

func (self *transportMock) nextStatus(t testing.TB) Status {
	select {
	case b := <-self.outStatus:
		var st Status
		require.NoError(t, json.Unmarshal(b, &st))
		return st
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting status")
		return Status{}
	}
}

func (self *transportMock) nextResponse(t testing.TB) (string, Response) {
	select {
	case mr := <-self.outResponse:
		var r Response
		require.NoError(t, json.Unmarshal(mr.payload, &r))
		return mr.topic, r
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting response")
		return "", Response{}
	}
}

// deviceServer fakes the obniz relay end of the device websocket: accepts
// the session, replies ready, answers system pings and records traffic.
type deviceServer struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader
	recvText chan string
	recvBin  chan []byte
	sendQ    chan interface{}
}

func newDeviceServer(t testing.TB) *deviceServer {
	ds := &deviceServer{
		t:        t,
		recvText: make(chan string, 32),
		recvBin:  make(chan []byte, 32),
		sendQ:    make(chan interface{}, 32),
	}
	ds.srv = httptest.NewServer(http.HandlerFunc(ds.handle))
	return ds
}

func (ds *deviceServer) stop() { ds.srv.Close() }

// hostname form so the client builds the relay url with the device path
func (ds *deviceServer) wsBase() string {
	hostport := strings.TrimPrefix(ds.srv.URL, "http://")
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		ds.t.Fatalf("device server url=%s err=%v", ds.srv.URL, err)
	}
	return "ws://localhost:" + port
}

func (ds *deviceServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ready := map[string]interface{}{
		"ws": map[string]interface{}{
			"ready": true,
			"obniz": map[string]interface{}{"hw": "obnizb1", "firmware": "3.5.0"},
		},
	}
	if err := conn.WriteJSON([]interface{}{ready}); err != nil {
		return
	}

	go ds.writer(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			select {
			case ds.recvText <- string(data):
			default:
			}
		case websocket.BinaryMessage:
			if len(data) == 11 && data[0] == 0 && data[1] == 8 {
				pong := append([]byte{0, 9}, data[2:]...)
				select {
				case ds.sendQ <- pong:
				default:
				}
				continue
			}
			select {
			case ds.recvBin <- data:
			default:
			}
		}
	}
}

func (ds *deviceServer) writer(conn *websocket.Conn) {
	for msg := range ds.sendQ {
		var err error
		if b, ok := msg.([]byte); ok {
			err = conn.WriteMessage(websocket.BinaryMessage, b)
		} else {
			err = conn.WriteJSON(msg)
		}
		if err != nil {
			return
		}
	}
}

func (ds *deviceServer) push(v interface{}) {
	select {
	case ds.sendQ <- v:
	case <-time.After(5 * time.Second):
		ds.t.Errorf("device push timeout")
	}
}

func (ds *deviceServer) nextBinary(t testing.TB) []byte {
	select {
	case b := <-ds.recvBin:
		return b
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting device binary")
		return nil
	}
}

type tenv struct {
	ctx   context.Context
	log   *log2.Log
	b     *Bridge
	trans *transportMock
	dev   *deviceServer
}

func testSetup(t *testing.T, configure func(*Config)) *tenv {
	env := &tenv{
		ctx: context.Background(),
		log: log2.NewTest(t, log2.LDebug),
	}
	env.dev = newDeviceServer(t)
	t.Cleanup(env.dev.stop)

	fs := NewMockFullReader(map[string]string{"test.hcl": fmt.Sprintf(`
device {
  id = "1234-5678"
  obniz_server = "%s"
}
persist { path = %q }
`, env.dev.wsBase(), spq.OnlyForTesting)})
	config := MustReadConfig(env.log, fs, "test.hcl")
	if configure != nil {
		configure(config)
	}

	env.trans = newTransportMock(t)
	env.b = NewWithTransporter(env.trans)
	require.NoError(t, env.b.Init(env.ctx, env.log, config))
	t.Cleanup(env.b.Close)
	return env
}

func (env *tenv) connectWait(t testing.TB) {
	ctx, cancel := context.WithTimeout(env.ctx, 5*time.Second)
	defer cancel()
	require.True(t, env.b.Device().ConnectWait(ctx), "device connect timeout")
}

func TestInitQueueErrorStopsDevice(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, ioutil.WriteFile(blocker, []byte("x"), 0600))

	fs := NewMockFullReader(map[string]string{"test.hcl": fmt.Sprintf(`
device {
  id = "1234-5678"
  obniz_server = "ws://localhost:1"
  auto_connect = false
}
persist { path = "%s" }
`, filepath.Join(blocker, "queue"))})
	config := MustReadConfig(log, fs, "test.hcl")

	b := NewWithTransporter(newTransportMock(t))
	err := b.Init(context.Background(), log, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge queue")
	// the device client is stopped, not leaked
	assert.Equal(t, obniz.StateClosed, b.Device().State())
	// Close after a failed Init stays safe
	b.Close()
}

func TestEventFlow(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	st := env.trans.nextStatus(t)
	assert.Equal(t, "1234-5678", st.DeviceId)
	assert.True(t, st.Online)
	assert.Equal(t, "connected", st.State)

	env.dev.push(map[string]interface{}{"switch": map[string]interface{}{"state": "push"}})
	ev := env.trans.nextEvent(t)
	assert.Equal(t, "1234-5678", ev.DeviceId)
	assert.InDelta(t, time.Now().UnixNano(), ev.Time, float64(10*time.Second))
	sw, ok := ev.Data["switch"].(map[string]interface{})
	require.True(t, ok, "event data=%v", ev.Data)
	assert.Equal(t, "push", sw["state"])
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.b.metrics.eventsSent), 1.0)
}

func TestQueueRetry(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)
	atomic.StoreInt32(&env.trans.failEvents, 2)

	env.dev.push(map[string]interface{}{"ad0": 4.2})
	ev := env.trans.nextEvent(t)
	assert.Equal(t, 4.2, ev.Data["ad0"])
	assert.Equal(t, 2.0, testutil.ToFloat64(env.b.metrics.queueRetries))
}

func TestCommandSend(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	env.trans.Command(t, `{"id":7,"name":"send","reply_topic":"t","send":[{"io":{"set":{"1":true}}}]}`)
	topic, r := env.trans.nextResponse(t)
	assert.Equal(t, "t", topic)
	assert.Equal(t, uint32(7), r.CommandId)
	assert.Equal(t, "", r.Error)

	bin := env.dev.nextBinary(t)
	assert.Equal(t, "0201080000000200000002", hex.EncodeToString(bin))
}

func TestCommandPing(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	env.trans.Command(t, `{"id":8,"name":"ping"}`)
	topic, r := env.trans.nextResponse(t)
	assert.Equal(t, "cr", topic)
	assert.Equal(t, uint32(8), r.CommandId)
	assert.Equal(t, "", r.Error)
	assert.GreaterOrEqual(t, r.ElapsedMs, int64(0))
}

func TestCommandReport(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	env.trans.Command(t, `{"id":9,"name":"report","reply_topic":"t"}`)
	_, r := env.trans.nextResponse(t)
	assert.Equal(t, uint32(9), r.CommandId)
	assert.Equal(t, "", r.Error)
	require.NotNil(t, r.Report)
	assert.Equal(t, "1234-5678", r.Report.DeviceId)
	assert.Equal(t, "connected", r.Report.State)
	assert.True(t, r.Report.Online)
	assert.Contains(t, string(r.Report.Stat), `"conn":1`)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	cases := []struct {
		name    string
		payload string
		errPart string
	}{
		{"unknown", `{"id":1,"name":"zzz"}`, "unknown command"},
		{"deadline", `{"id":2,"name":"report","deadline":1}`, "deadline"},
		{"send-empty", `{"id":3,"name":"send"}`, "send: empty"},
	}
	for _, c := range cases {
		env.trans.Command(t, c.payload)
		_, r := env.trans.nextResponse(t)
		assert.Contains(t, r.Error, c.errPart, "case=%s", c.name)
	}

	// unparsable command: logged, dropped, not counted
	before := testutil.ToFloat64(env.b.metrics.commands)
	env.trans.Command(t, `{broken`)
	assert.Equal(t, before, testutil.ToFloat64(env.b.metrics.commands))
}

func TestCloseStatus(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)
	st := env.trans.nextStatus(t)
	require.True(t, st.Online)

	env.b.Device().Close()
	st = env.trans.nextStatus(t)
	assert.False(t, st.Online)
	assert.Equal(t, "closed", st.State)
}

func TestStatusHTTP(t *testing.T) {
	t.Parallel()
	env := testSetup(t, nil)
	env.connectWait(t)

	hs := httptest.NewServer(env.b.StatusHandler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(hs.URL + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "1234-5678", st.DeviceId)
	assert.True(t, st.Online)

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), "obniz_bridge_device_online 1")
}
