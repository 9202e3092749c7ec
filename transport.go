package obniz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/obniz-go/helpers"
	"github.com/temoto/obniz-go/log2"
)

const sendQueueDepth = 16
const writeCloseTimeout = 1 * time.Second

type transportRole uint8

const (
	roleCloud transportRole = iota
	roleLocal
)

func (r transportRole) String() string {
	if r == roleLocal {
		return "local"
	}
	return "cloud"
}

type outMessage struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// candidate is one websocket connection attempt, cloud or local. It
// owns the dial, one reader and one writer goroutine, and reports
// open/close to its Client exactly once each. Candidates are born for
// a single session and never reused.
type candidate struct {
	role     transportRole
	url      string
	log      *log2.Log
	owner    *Client
	alive    *alive.Alive
	connMu   sync.Mutex
	conn     *websocket.Conn
	ready    uint32 // wsReadyState
	err      helpers.AtomicError
	sendq    chan outMessage
	buffered int64 // atomic, bytes waiting in sendq
}

func newCandidate(owner *Client, role transportRole, wsurl string) *candidate {
	t := &candidate{
		role:  role,
		url:   wsurl,
		log:   owner.log,
		owner: owner,
		alive: alive.NewAlive(),
		sendq: make(chan outMessage, sendQueueDepth),
	}
	atomic.StoreUint32(&t.ready, uint32(wsConnecting))
	return t
}

func (t *candidate) start() {
	if !t.alive.Add(1) {
		// stopped before the dial began, owner already tore it down
		return
	}
	t.owner.wg.Add(1)
	go t.run()
}

func (t *candidate) run() {
	defer t.owner.wg.Done()
	defer t.alive.Done()

	dialer := websocket.Dialer{HandshakeTimeout: t.owner.opt.NetworkTimeout}
	conn, resp, err := dialer.Dial(t.url, nil)
	if err != nil {
		if resp != nil {
			err = errors.Annotatef(err, "status=%s", resp.Status)
		}
		t.log.Debugf("obniz %s dial url=%s err=%v", t.role, t.url, err)
		t.die(errors.Annotatef(err, "dial %s", t.role))
		t.owner.onCandidateClose(t)
		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	if _, dead := t.err.Load(); dead {
		// stopped while dialing
		_ = conn.Close()
		t.owner.onCandidateClose(t)
		return
	}

	atomic.StoreUint32(&t.ready, uint32(wsOpen))
	if !t.alive.Add(1) {
		// died between the liveness check above and here
		atomic.StoreUint32(&t.ready, uint32(wsClosed))
		_ = conn.Close()
		t.owner.onCandidateClose(t)
		return
	}
	t.owner.wg.Add(1)
	go t.writePump()
	t.owner.onCandidateOpen(t)
	t.readLoop(conn)
	t.owner.onCandidateClose(t)
}

func (t *candidate) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.log.Debugf("obniz %s read err=%v", t.role, err)
			t.die(errors.Annotatef(err, "read %s", t.role))
			return
		}
		t.owner.onInbound(t, msgType, data)
	}
}

func (t *candidate) writePump() {
	defer t.owner.wg.Done()
	defer t.alive.Done()
	for {
		select {
		case m := <-t.sendq:
			atomic.AddInt64(&t.buffered, -int64(len(m.data)))
			t.connMu.Lock()
			conn := t.conn
			t.connMu.Unlock()
			if conn == nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(t.owner.opt.NetworkTimeout))
			if err := conn.WriteMessage(m.kind, m.data); err != nil {
				t.log.Debugf("obniz %s write err=%v", t.role, err)
				t.die(errors.Annotatef(err, "write %s", t.role))
				return
			}
		case <-t.alive.StopChan():
			return
		}
	}
}

// send queues one message for the writer goroutine. Blocks when the
// queue is full, returns early if the candidate dies meanwhile.
func (t *candidate) send(kind int, data []byte) error {
	if t.readyState() != wsOpen {
		return ErrOffline
	}
	atomic.AddInt64(&t.buffered, int64(len(data)))
	select {
	case t.sendq <- outMessage{kind: kind, data: data}:
		return nil
	case <-t.alive.StopChan():
		atomic.AddInt64(&t.buffered, -int64(len(data)))
		if err, set := t.err.Load(); set && err != nil {
			return err
		}
		return ErrOffline
	}
}

// stop tears the candidate down. graceful sends a websocket close
// frame first so the peer sees a clean shutdown.
func (t *candidate) stop(reason error, graceful bool) {
	if graceful {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn != nil && t.readyState() == wsOpen {
			atomic.StoreUint32(&t.ready, uint32(wsClosing))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeCloseTimeout))
		}
	}
	t.die(reason)
}

// die makes the candidate unusable, once. The first reason wins, later
// calls are no-ops. Closing conn unblocks the read loop which then
// reports the close upward.
func (t *candidate) die(reason error) {
	if _, set := t.err.StoreOnce(reason); set {
		return
	}
	atomic.StoreUint32(&t.ready, uint32(wsClosed))
	t.alive.Stop()
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *candidate) readyState() wsReadyState {
	return wsReadyState(atomic.LoadUint32(&t.ready))
}

func (t *candidate) bufferedBytes() int64 {
	return atomic.LoadInt64(&t.buffered)
}

func (t *candidate) lastError() error {
	err, _ := t.err.Load()
	return err
}
