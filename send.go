package obniz

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// coalesceWindow is how long queued binary frames wait for company
// before flushing. Zero still defers the flush past the calling stack,
// so a burst of Send calls lands in one websocket message.
const coalesceWindow = 0 * time.Millisecond

// sendQueue merges binary frames into fewer physical messages while
// keeping wire order across binary and text. One mutex covers queueing
// and the physical send on purpose: a text message must not overtake
// frames queued before it.
type sendQueue struct {
	mu        sync.Mutex
	c         *Client
	pending   [][]byte
	size      int
	scheduled bool
}

func newSendQueue(c *Client) *sendQueue {
	return &sendQueue{c: c}
}

// enqueueBinary admits frames as one atomic run: a concurrent flush
// takes either none or all of them.
func (q *sendQueue) enqueueBinary(frames ...[]byte) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	for _, frame := range frames {
		q.pending = append(q.pending, frame)
		q.size += len(frame)
	}
	if !q.scheduled {
		q.scheduled = true
		time.AfterFunc(coalesceWindow, q.flush)
	}
	q.mu.Unlock()
}

func (q *sendQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *sendQueue) flushLocked() {
	q.scheduled = false
	if len(q.pending) == 0 {
		return
	}
	buf := make([]byte, 0, q.size)
	for _, frame := range q.pending {
		buf = append(buf, frame...)
	}
	count := len(q.pending)
	q.pending = nil
	q.size = 0
	if count > 1 {
		q.c.stat.Coalesced.Add(int64(count - 1))
	}
	if err := q.c.transportSend(websocket.BinaryMessage, buf, count); err != nil {
		// Transport loss surfaces through the close path, frames in
		// flight at that moment are gone like on any broken socket.
		q.c.log.Debugf("obniz flush count=%d err=%v", count, err)
	}
}

func (q *sendQueue) sendText(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
	return q.c.transportSend(websocket.TextMessage, data, 1)
}

// reset discards queued frames. Used on session teardown.
func (q *sendQueue) reset() {
	q.mu.Lock()
	if n := len(q.pending); n > 0 {
		q.c.log.Debugf("obniz queue reset dropped=%d", n)
	}
	q.pending = nil
	q.size = 0
	q.scheduled = false
	q.mu.Unlock()
}

// Send transmits command objects to the device. Objects recognized by
// the binary codec become compact frames; a run of them inside one
// call coalesces into one websocket message. Everything else is sent
// as JSON text, after flushing frames queued before it. Returns
// ErrOffline synchronously when not connected. On error, objects
// before the failing one are already queued.
func (c *Client) Send(objs ...map[string]interface{}) error {
	if c.State() != StateConnected {
		return ErrOffline
	}
	var run [][]byte
	flushRun := func() {
		c.queue.enqueueBinary(run...)
		run = nil
	}
	for _, obj := range objs {
		if len(obj) == 0 {
			c.log.Debugf("obniz send skip empty object")
			continue
		}
		if c.opt.Binary {
			blob, ok, err := c.registry.Compress(obj)
			if err != nil {
				flushRun()
				return errors.Annotate(err, "obniz send")
			}
			if ok {
				if len(blob) > 0 {
					// empty blob is recognized but encodes to
					// nothing, e.g. flag=false
					run = append(run, blob)
				}
				continue
			}
		}
		data, err := json.Marshal(obj)
		if err != nil {
			flushRun()
			c.log.Errorf("obniz send marshal obj=%v err=%v", obj, err)
			return errors.Annotate(err, "obniz send")
		}
		flushRun()
		if err := c.queue.sendText(data); err != nil {
			return err
		}
	}
	flushRun()
	return nil
}

// transportSend pushes one physical message to the current transport.
func (c *Client) transportSend(kind int, data []byte, objects int) error {
	t := c.currentTransport()
	if t == nil {
		return ErrOffline
	}
	if err := t.send(kind, data); err != nil {
		return errors.Annotatef(err, "send %s", t.role)
	}
	c.stat.Send.Register(len(data), objects)
	if buffered := t.bufferedBytes(); buffered > c.opt.HighWater {
		c.log.Errorf("obniz send backpressure %s buffered=%d", t.role, buffered)
	}
	return nil
}

func (c *Client) currentTransport() *candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.readyState() == wsOpen {
		return c.active
	}
	if c.cloud != nil && c.cloud.readyState() == wsOpen {
		return c.cloud
	}
	return nil
}
